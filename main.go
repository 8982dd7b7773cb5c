// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🔌 go-offsync - Offline-First Synchronization Engine")
	fmt.Println("====================================================")
	fmt.Println()
	fmt.Println("go-offsync keeps a durable local cache eventually consistent with a remote")
	fmt.Println("authoritative store under intermittent connectivity. Writes commit locally")
	fmt.Println("first, sync opportunistically, and replay from a durable queue when offline.")
	fmt.Println()

	fmt.Println("📚 Packages:")
	fmt.Println()
	fmt.Println("1. ⚙️  Core Engine (offsync/)")
	fmt.Println("   Local-first dispatch, pending queue drains, drift reconciliation,")
	fmt.Println("   connectivity monitoring, timeout-bounded remote calls")
	fmt.Println()

	fmt.Println("2. 🗄️  SQLite Local Cache (offsqlite/)")
	fmt.Println("   Durable record sets, pending-operation log, and scalar values")
	fmt.Println()

	fmt.Println("3. 🐘 PostgreSQL Remote Store (offpg/)")
	fmt.Println("   JSONB document store adapter with containment queries")
	fmt.Println()

	fmt.Println("4. 🌐 HTTP Remote Store (offhttp/)")
	fmt.Println("   JSON store API with JWT auth, plus the matching client adapter")
	fmt.Println()
}
