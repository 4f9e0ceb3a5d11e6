// Copyright 2025 The mark authors
// This file is part of the mark library.
//
// The mark library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The mark library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the mark library. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Switches exposes the two operator kill switches with live reload. Only the
// `paused` section of the file is re-read on change; every other option needs
// a restart.
type Switches struct {
	rebalancePaused atomic.Bool
	purchasePaused  atomic.Bool

	path    string
	watcher *fsnotify.Watcher
	log     *zap.SugaredLogger
	done    chan struct{}
}

// NewSwitches seeds the switches from cfg and starts watching path for edits.
func NewSwitches(cfg *Config, path string, log *zap.SugaredLogger) (*Switches, error) {
	s := &Switches{path: path, log: log, done: make(chan struct{})}
	s.rebalancePaused.Store(cfg.Paused.Rebalance)
	s.purchasePaused.Store(cfg.Paused.Purchase)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	s.watcher = w
	go s.loop()
	return s, nil
}

// StaticSwitches returns switches that never change; used by tests and the
// one-shot mode where no file watching is wanted.
func StaticSwitches(rebalancePaused, purchasePaused bool) *Switches {
	s := &Switches{done: make(chan struct{})}
	s.rebalancePaused.Store(rebalancePaused)
	s.purchasePaused.Store(purchasePaused)
	return s
}

func (s *Switches) loop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warnw("config watch error", "err", err)
		}
	}
}

func (s *Switches) reload() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.log.Warnw("pause switch reload failed", "err", err)
		return
	}
	var partial struct {
		Paused Paused `yaml:"paused"`
	}
	if err := yaml.Unmarshal(raw, &partial); err != nil {
		s.log.Warnw("pause switch reload failed", "err", err)
		return
	}
	if s.rebalancePaused.Swap(partial.Paused.Rebalance) != partial.Paused.Rebalance {
		s.log.Infow("rebalance pause switch flipped", "paused", partial.Paused.Rebalance)
	}
	if s.purchasePaused.Swap(partial.Paused.Purchase) != partial.Paused.Purchase {
		s.log.Infow("purchase pause switch flipped", "paused", partial.Paused.Purchase)
	}
}

// IsRebalancePaused reports whether new rebalances are suspended. In-flight
// operations still get their callback sweep.
func (s *Switches) IsRebalancePaused() bool { return s.rebalancePaused.Load() }

// IsPurchasePaused reports whether invoice purchasing is suspended.
func (s *Switches) IsPurchasePaused() bool { return s.purchasePaused.Load() }

// Close stops the watcher goroutine.
func (s *Switches) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
}
