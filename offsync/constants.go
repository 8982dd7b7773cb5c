// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import "strings"

// Built-in collection names. The engine itself is generic over
// collections; these are the ones the default key spec registry knows.
const (
	CollectionStudents   = "students"
	CollectionAttendance = "attendance"
	CollectionEvents     = "events"
	CollectionSettings   = "settings"
)

// OpKind is the local write verb applied to a record set.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// OpType is a named application-level operation (e.g. "addAttendance",
// "deleteAttendanceByEvent"). The leading verb determines the OpKind.
type OpType string

// Kind derives the local write verb from the operation name.
// Unknown prefixes default to add, matching how replay treats records
// of unknown origin.
func (t OpType) Kind() OpKind {
	s := string(t)
	switch {
	case strings.HasPrefix(s, string(OpDelete)):
		return OpDelete
	case strings.HasPrefix(s, string(OpUpdate)):
		return OpUpdate
	default:
		return OpAdd
	}
}

// Severity levels for sync status notifications.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeveritySuccess Severity = "success"
)
