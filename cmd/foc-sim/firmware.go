package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-foc-firmware/internal/can"
	"github.com/kstaniek/go-foc-firmware/internal/device"
	"github.com/kstaniek/go-foc-firmware/internal/endpoint"
	"github.com/kstaniek/go-foc-firmware/internal/nvm"
	"github.com/kstaniek/go-foc-firmware/internal/plant"
	"github.com/kstaniek/go-foc-firmware/internal/transport"
)

// firmwareVersion is reported by endpoint 1 and the heartbeat.
var firmwareVersion = endpoint.Version{Major: 1, Minor: 0, Patch: 0}

// current forwards link traffic to the device instance of the running boot.
// Traffic arriving between boots is dropped, as on a resetting MCU.
type current struct{ p atomic.Pointer[device.Device] }

func (c *current) DeliverCAN(fr can.Frame) {
	if d := c.p.Load(); d != nil {
		d.DeliverCAN(fr)
	}
}

func (c *current) DeliverUART(b []byte) {
	if d := c.p.Load(); d != nil {
		d.DeliverUART(b)
	}
}

func (c *current) Accepts(fr can.Frame) bool {
	d := c.p.Load()
	return d != nil && d.Accepts(fr)
}

func (c *current) Tick() {
	if d := c.p.Load(); d != nil {
		d.Tick()
	}
}

func (c *current) ready() bool {
	d := c.p.Load()
	return d != nil && !d.Halted()
}

// firmware owns everything that survives a device reset.
type firmware struct {
	cfg     *appConfig
	plant   *plant.Plant
	store   nvm.Store
	canOut  transport.FrameSink
	uartOut transport.ByteSink
	setNode func(uint8) error
	cur     current
	l       *slog.Logger
}

func newStore(cfg *appConfig) nvm.Store {
	if cfg.nvmPath == "" {
		return &nvm.MemStore{}
	}
	return nvm.NewFileStore(cfg.nvmPath)
}

func newPlant(cfg *appConfig) *plant.Plant {
	pc := plant.DefaultConfig()
	pc.Period = 1 / cfg.pwmFrequency
	return plant.New(pc)
}

// bootSnapshot loads the stored configuration or falls back to defaults.
// The PWM rate is a property of the host timer and always wins.
func (f *firmware) bootSnapshot() nvm.Snapshot {
	s, err := f.store.Load()
	switch {
	case err == nil:
		f.l.Info("config_loaded", "node", s.NodeID, "firmware", s.Firmware)
	case errors.Is(err, nvm.ErrNotFound):
		s = nvm.Default(uint8(f.cfg.nodeID))
		f.l.Info("config_defaults", "node", s.NodeID)
	default:
		s = nvm.Default(uint8(f.cfg.nodeID))
		f.l.Warn("config_load_failed", "error", err, "node", s.NodeID)
	}
	if hz := float32(f.cfg.pwmFrequency); s.Controller.PWMFrequency != hz {
		if err == nil {
			f.l.Warn("pwm_frequency_overridden", "stored", s.Controller.PWMFrequency, "hz", hz)
		}
		s.Controller.PWMFrequency = hz
	}
	return s
}

// run boots the device, restarting it whenever a reset is requested.
func (f *firmware) run(ctx context.Context) error {
	for {
		s := f.bootSnapshot()
		hw := device.Hardware{Gate: f.plant, ADC: f.plant, Sensor: f.plant, Watchdog: f.plant}
		opts := []device.Option{device.WithStore(f.store), device.WithCANSink(f.canOut)}
		if f.uartOut != nil {
			opts = append(opts, device.WithUARTSink(f.uartOut))
		}
		d, err := device.New(device.Config{
			Version:           firmwareVersion,
			Snapshot:          s,
			HeartbeatInterval: uint32(f.cfg.heartbeat / time.Millisecond),
			TickSlack:         f.cfg.tickSlack,
		}, hw, opts...)
		if err != nil {
			return err
		}
		if f.setNode != nil {
			if err := f.setNode(d.NodeID()); err != nil {
				f.l.Warn("socketcan_filter_failed", "error", err)
			}
		}
		f.cur.p.Store(d)
		err = d.Run(ctx)
		f.cur.p.Store(nil)
		if errors.Is(err, device.ErrReset) {
			f.l.Info("device_reset")
			continue
		}
		return err
	}
}

// startTicker drives the simulated ADC: every interval the plant advances
// one PWM period and the conversion-complete event is raised.
func (f *firmware) startTicker(ctx context.Context, wg *sync.WaitGroup) {
	interval := f.cfg.tickInterval()
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				f.plant.Advance()
				f.cur.Tick()
			case <-ctx.Done():
				return
			}
		}
	}()
	f.l.Info("adc_ticker_started", "interval", interval, "pwm_hz", f.cfg.pwmFrequency, "time_scale", f.cfg.timeScale)
}
