// FILE: supervisor.go
// Package main – Wiring layer for the engine.
//
// The Supervisor builds the two buses, one Connector, and one Trader
// per configured pair, starts everything, and runs until the context
// is cancelled. Shutdown order: traders first (no new commands), then
// the connector, then the buses.

package main

import (
	"context"

	"github.com/rs/zerolog/log"
)

type Supervisor struct {
	events   *Bus[Event]
	commands *Bus[Command]

	connector *Connector
	traders   []*Trader
}

// NewSupervisor wires the engine from the given configuration. The
// nonce keeper is opened here so a corrupt nonce file fails startup.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	nonces, err := NewNonceKeeper(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		events:   NewBus[Event]("events"),
		commands: NewBus[Command]("commands"),
	}
	s.connector = NewConnector(cfg, nonces, s.events.Publish)
	for _, opts := range cfg.Trading {
		s.traders = append(s.traders, NewTrader(opts, cfg, s.commands.Publish))
	}
	return s, nil
}

// Run starts the engine and blocks until ctx is cancelled, then shuts
// everything down.
func (s *Supervisor) Run(ctx context.Context) {
	s.Start()
	<-ctx.Done()
	s.Stop()
}

func (s *Supervisor) Start() {
	log.Info().Int("pairs", len(s.traders)).Msg("starting engine")
	s.connector.Start(s.commands)
	for _, t := range s.traders {
		t.Start(s.events)
	}
}

func (s *Supervisor) Stop() {
	log.Info().Msg("stopping engine")
	for _, t := range s.traders {
		t.Stop()
	}
	s.connector.Stop()
	s.events.Close()
	s.commands.Close()
}
