package wal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"
)

const (
	standbyTimeout = 10 * time.Second
	retryDelay     = 5 * time.Second
)

// Stream reads a logical replication slot and hands each message to
// Handle. The slot is temporary: it lives as long as the connection.
type Stream struct {
	DSN    string
	Slot   string
	Plugin string
	Handle func([]byte)
	Log    *zap.Logger
}

// Run reads until ctx is done, reconnecting after failures.
func (s *Stream) Run(ctx context.Context) error {
	log := s.log()
	for {
		err := s.once(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("replication stopped, reconnecting", zap.Error(err), zap.Duration("in", retryDelay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

func (s *Stream) log() *zap.Logger {
	if s.Log == nil {
		return zap.L().Named("wal")
	}
	return s.Log
}

func (s *Stream) once(ctx context.Context) error {
	log := s.log()
	cfg, err := pgconn.ParseConfig(s.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	cfg.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}
	log.Info("replication connected",
		zap.String("system", sys.SystemID),
		zap.Int32("timeline", sys.Timeline),
		zap.String("xlogpos", sys.XLogPos.String()),
	)

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, s.Slot, s.Plugin,
		pglogrepl.CreateReplicationSlotOptions{Temporary: true})
	if err != nil {
		return fmt.Errorf("create slot %s: %w", s.Slot, err)
	}
	err = pglogrepl.StartReplication(ctx, conn, s.Slot, sys.XLogPos,
		pglogrepl.StartReplicationOptions{PluginArgs: []string{`"include-lsn" 'false'`}})
	if err != nil {
		return fmt.Errorf("start replication: %w", err)
	}

	pos := sys.XLogPos
	deadline := time.Now().Add(standbyTimeout)
	for {
		if time.Now().After(deadline) {
			err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: pos})
			if err != nil {
				return fmt.Errorf("standby status: %w", err)
			}
			deadline = time.Now().Add(standbyTimeout)
		}

		rctx, cancel := context.WithDeadline(ctx, deadline)
		raw, err := conn.ReceiveMessage(rctx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err)) {
				continue
			}
			return err
		}

		if e, ok := raw.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("server: %s", e.Message)
		}
		msg, ok := raw.(*pgproto3.CopyData)
		if !ok {
			log.Debug("unexpected message", zap.String("type", fmt.Sprintf("%T", raw)))
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				log.Warn("keepalive", zap.Error(err))
				continue
			}
			if pkm.ServerWALEnd > pos {
				pos = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				deadline = time.Time{}
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				log.Warn("xlogdata", zap.Error(err))
				continue
			}
			s.Handle(xld.WALData)
			if end := xld.WALStart + pglogrepl.LSN(len(xld.WALData)); end > pos {
				pos = end
			}
		}
	}
}
