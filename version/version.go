/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package version

var (
	// Version is the version of this build, set at build time.
	Version = "0.0.0-dev"

	// BuildDate is the date of this build, set at build time.
	BuildDate = "0000000"
)
