// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

// Notifier receives observable engine events. These are notifications
// for UI-style consumers (badges, toasts, live views), not part of the
// consistency protocol.
type Notifier interface {
	// ConnectivityChanged fires once per actual online/offline flip.
	ConnectivityChanged(online bool)

	// SyncStatus reports drain progress and outcomes.
	SyncStatus(message string, severity Severity)

	// CollectionChanged fires after a fetch merged new remote records
	// into a collection, with the merged record set.
	CollectionChanged(collection string, records []Record)
}

// NotifierFuncs adapts plain functions to Notifier; nil members are
// no-ops.
type NotifierFuncs struct {
	OnConnectivityChanged func(online bool)
	OnSyncStatus          func(message string, severity Severity)
	OnCollectionChanged   func(collection string, records []Record)
}

func (n NotifierFuncs) ConnectivityChanged(online bool) {
	if n.OnConnectivityChanged != nil {
		n.OnConnectivityChanged(online)
	}
}

func (n NotifierFuncs) SyncStatus(message string, severity Severity) {
	if n.OnSyncStatus != nil {
		n.OnSyncStatus(message, severity)
	}
}

func (n NotifierFuncs) CollectionChanged(collection string, records []Record) {
	if n.OnCollectionChanged != nil {
		n.OnCollectionChanged(collection, records)
	}
}

// nopNotifier is the default when no notifier is set.
type nopNotifier struct{}

func (nopNotifier) ConnectivityChanged(bool)           {}
func (nopNotifier) SyncStatus(string, Severity)        {}
func (nopNotifier) CollectionChanged(string, []Record) {}
