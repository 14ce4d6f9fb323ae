// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tasks runs plans in the background.
//
// The watch command feeds plan files dropped into an inbox directory
// through a bounded queue; each task executes one plan and writes a
// <name>.result.json file next to it.
//
// # Key Types
//
//   - Task: One background job with status and step progress
//   - Queue: Submission-ordered tasks with bounded history
//   - Runner: Executes queued tasks with a concurrency limit and timeout
//   - InboxWatcher: Debounced fsnotify watcher that submits plan files
//
// # Usage
//
//	queue := tasks.NewQueue(50, 10, logger)
//	runner := tasks.NewRunner(queue, 2, 10*time.Minute, logger)
//	runner.Start(ctx)
//	defer runner.Stop()
//
//	queue.Add(tasks.NewTask("price report", "inbox/btc.yaml", job))
//
//	for n := range queue.Notifications() {
//	    fmt.Println(n.TaskID, n.Status)
//	}
package tasks
