// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the zap logger every graphite component logs to.
//
// # Usage
//
//	logger, err := logging.New(cfg.Logging, verbose)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
package logging
