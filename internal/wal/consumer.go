// Package wal turns logical replication change events into coordinator
// invalidations.
package wal

import (
	"encoding/json"
	"sort"

	"go.uber.org/zap"
)

// Change is one wal2json (format version 1) row change.
type Change struct {
	Schema  string `json:"schema"`
	Table   string `json:"table"`
	Kind    string `json:"kind"`
	OldKeys Keys   `json:"oldkeys"`
}

type Keys struct {
	KeyNames  []string `json:"keynames"`
	KeyValues []any    `json:"keyvalues"`
}

type Envelope struct {
	Change []Change `json:"change"`
}

// Invalidator is the part of the coordinator the consumer drives.
type Invalidator interface {
	Invalidate(tables ...string)
}

// Consumer invalidates the tables each transaction touched.
type Consumer struct {
	Target Invalidator
	Log    *zap.Logger
}

// OnMessage handles one wal2json transaction. Undecodable messages are
// logged and dropped.
func (c *Consumer) OnMessage(line []byte) {
	log := c.Log
	if log == nil {
		log = zap.L()
	}

	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		log.Warn("wal decode", zap.Error(err), zap.ByteString("raw", line))
		return
	}
	if len(env.Change) == 0 {
		return
	}

	seen := map[string]bool{}
	for _, ch := range env.Change {
		if ch.Table == "" {
			continue
		}
		schema := ch.Schema
		if schema == "" {
			schema = "public"
		}
		seen[schema+"."+ch.Table] = true
		log.Debug("change",
			zap.String("table", schema+"."+ch.Table),
			zap.String("kind", ch.Kind),
			zap.Any("keys", ch.OldKeys.KeyValues),
		)
	}
	if len(seen) == 0 {
		return
	}
	tables := make([]string, 0, len(seen))
	for t := range seen {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	c.Target.Invalidate(tables...)
}
