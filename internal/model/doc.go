// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared by the chat pipeline.
//
// # Key Types
//
//   - Message: immutable record with role, content and optional name
//   - Conversation: append-only snapshot of one chat's messages
//   - StreamBuffer: single-writer, many-reader text stream that moves from
//     open to closed (or failed) exactly once
//
// # Usage
//
//	buf := model.NewStreamBuffer()
//	go func() {
//	    buf.Append("Try resting ")
//	    buf.Close("Try resting and hydrating")
//	}()
//	for ev := range buf.Follow(ctx) {
//	    fmt.Print(ev.Delta)
//	}
package model
