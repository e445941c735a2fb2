// Package device assembles the firmware: it owns every piece of mutable
// state (controller, observer, motor, ISO-TP link, endpoint table) and
// drives them from one goroutine. Links and the ADC reach the device only
// through the interrupt-style entry points DeliverCAN, DeliverUART and Tick.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-foc-firmware/internal/can"
	"github.com/kstaniek/go-foc-firmware/internal/controller"
	"github.com/kstaniek/go-foc-firmware/internal/endpoint"
	"github.com/kstaniek/go-foc-firmware/internal/isotp"
	"github.com/kstaniek/go-foc-firmware/internal/logging"
	"github.com/kstaniek/go-foc-firmware/internal/metrics"
	"github.com/kstaniek/go-foc-firmware/internal/motor"
	"github.com/kstaniek/go-foc-firmware/internal/nvm"
	"github.com/kstaniek/go-foc-firmware/internal/observer"
	"github.com/kstaniek/go-foc-firmware/internal/scheduler"
	"github.com/kstaniek/go-foc-firmware/internal/serial"
	"github.com/kstaniek/go-foc-firmware/internal/transport"
)

var (
	ErrNotIdle = errors.New("device: operation requires idle state")
	ErrReset   = errors.New("device: reset requested")
	ErrHalted  = errors.New("device: halted")
)

const (
	DefaultMailboxSize       = 64
	DefaultHeartbeatInterval = 1000 // ms
	isotpBufferSize          = isotp.MaxPayload
)

// Hardware is the set of peripherals the controller drives.
type Hardware struct {
	Gate     controller.GateDriver
	ADC      controller.ADC
	Sensor   controller.Sensor
	Watchdog controller.Watchdog
}

// Config fixes identity and timing at construction.
type Config struct {
	Version           endpoint.Version
	Snapshot          nvm.Snapshot // boot configuration
	HeartbeatInterval uint32       // ms, 0 disables
	MailboxSize       int
	TickSlack         time.Duration
}

type Option func(*Device)

// WithStore persists configuration through s. Without a store save and
// erase requests are rejected.
func WithStore(s nvm.Store) Option { return func(d *Device) { d.store = s } }

// WithCANSink routes outgoing CAN frames.
func WithCANSink(s transport.FrameSink) Option { return func(d *Device) { d.canOut = s } }

// WithUARTSink routes outgoing UART protocol frames.
func WithUARTSink(s transport.ByteSink) Option { return func(d *Device) { d.uartOut = s } }

// Device is the firmware instance. Run must be called from exactly one
// goroutine; the Deliver and Tick methods may be called from any.
type Device struct {
	cfg   Config
	node  uint8
	hw    Hardware
	store nvm.Store

	sched *scheduler.Scheduler
	mot   *motor.Motor
	obs   *observer.Observer
	ctrl  *controller.Controller
	link  *isotp.Link
	table *endpoint.Table
	disp  *endpoint.Dispatcher
	quiet *logging.Limiter
	codec serial.Codec

	canOut  transport.FrameSink
	uartOut transport.ByteSink

	mbMu    sync.Mutex
	mailbox []can.Frame
	mbCap   int

	uartMu sync.Mutex
	uartIn bytes.Buffer

	// Run goroutine only.
	uptime      float64 // s
	nextBeat    uint32
	pendingNode uint8
	reply       []byte
	rxScratch   []byte
	lastTxRes   isotp.ProtocolResult
	lastRxRes   isotp.ProtocolResult
	lastState   controller.State
	resetReq    bool

	state  atomic.Uint32 // mirror of ctrl.State() for other goroutines
	halted atomic.Bool
}

// New validates the boot snapshot and builds the firmware in Idle.
func New(cfg Config, hw Hardware, opts ...Option) (*Device, error) {
	if err := cfg.Snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("device: boot configuration: %w", err)
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultMailboxSize
	}
	s := cfg.Snapshot
	d := &Device{
		cfg:         cfg,
		node:        s.NodeID,
		pendingNode: s.NodeID,
		hw:          hw,
		mbCap:       cfg.MailboxSize,
		rxScratch:   make([]byte, isotpBufferSize),
	}
	for _, o := range opts {
		o(d)
	}
	if d.canOut == nil {
		d.canOut = transport.FrameSinkFunc(func(can.Frame) error { return nil })
	}

	d.mot = motor.New(s.Motor)
	d.obs = observer.New(s.Observer, 1/s.Controller.PWMFrequency)
	d.ctrl = controller.New(s.Controller, controller.Deps{
		Gate:     hw.Gate,
		ADC:      hw.ADC,
		Sensor:   hw.Sensor,
		Watchdog: hw.Watchdog,
	}, d.obs, d.mot)

	d.link = isotp.NewLink(
		endpoint.CANID(d.node, endpoint.ISOTPResponse),
		make([]byte, isotpBufferSize),
		make([]byte, isotpBufferSize),
		d.sendRaw,
		d.nowMS,
	)

	table, err := endpoint.NewTable(cfg.Version, d.endpoints()...)
	if err != nil {
		return nil, err
	}
	d.table = table
	d.disp = endpoint.NewDispatcher(table, d.node, d.canOut.SendFrame)
	d.quiet = logging.NewLimiter(time.Second)

	d.sched = scheduler.New(
		scheduler.WithCANHandler(d.serviceCAN),
		scheduler.WithUARTHandler(d.serviceUART),
		scheduler.WithMeasure(d.ctrl.Measure),
		scheduler.WithTickSlack(cfg.TickSlack),
	)
	metrics.SetControllerState(int(controller.StateIdle))
	return d, nil
}

func (d *Device) NodeID() uint8                      { return d.node }
func (d *Device) Table() *endpoint.Table             { return d.table }
func (d *Device) Controller() *controller.Controller { return d.ctrl }
func (d *Device) Scheduler() *scheduler.Scheduler    { return d.sched }

// State is safe to call from any goroutine.
func (d *Device) State() controller.State { return controller.State(d.state.Load()) }

func (d *Device) Halted() bool { return d.halted.Load() }

// Tick signals a completed ADC conversion.
func (d *Device) Tick() { d.sched.Raise(scheduler.EventADC) }

// DeliverCAN queues a received frame for the deferred CAN handler. Frames
// beyond the mailbox capacity are dropped.
func (d *Device) DeliverCAN(f can.Frame) {
	d.mbMu.Lock()
	if len(d.mailbox) >= d.mbCap {
		d.mbMu.Unlock()
		metrics.IncError(metrics.ErrCANMailbox)
		return
	}
	d.mailbox = append(d.mailbox, f)
	d.mbMu.Unlock()
	d.sched.Raise(scheduler.EventCAN)
}

// DeliverUART appends received bytes for the deferred UART handler.
func (d *Device) DeliverUART(b []byte) {
	d.uartMu.Lock()
	_, _ = d.uartIn.Write(b)
	d.uartMu.Unlock()
	d.sched.Raise(scheduler.EventUART)
}

// Accepts reports whether f is addressed to this node. Used to filter the
// bus before frames reach the mailbox.
func (d *Device) Accepts(f can.Frame) bool {
	node, _, ok := endpoint.SplitCANID(f.ID)
	return ok && node == d.node
}

// Run executes the control loop until ctx ends, a reset is requested or
// the device halts.
func (d *Device) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.Halt(fmt.Sprint(r))
			<-ctx.Done()
			err = ErrHalted
		}
	}()
	logging.L().Info("device_started",
		"node", d.node,
		"version", d.cfg.Version.String(),
		"protocol_hash", fmt.Sprintf("0x%08X", d.table.Hash()),
	)
	for {
		if d.halted.Load() {
			<-ctx.Done()
			return ErrHalted
		}
		if err := d.sched.WaitForControlLoop(ctx); err != nil {
			d.shutdown()
			return err
		}
		d.step()
		if d.resetReq {
			d.shutdown()
			return ErrReset
		}
	}
}

// step runs everything that follows the measurement refresh of one tick.
func (d *Device) step() {
	d.uptime += float64(d.ctrl.Period())
	d.ctrl.Step()
	d.link.Poll()
	d.trackISOTPResults()
	d.serviceISOTP()
	d.heartbeat()
	if s := d.ctrl.State(); s != d.lastState {
		d.lastState = s
		d.state.Store(uint32(s))
		metrics.SetControllerState(int(s))
		if d.ctrl.ErrorsExist() {
			metrics.IncError(metrics.ErrController)
		}
	}
}

func (d *Device) shutdown() {
	_ = d.ctrl.SetState(controller.StateIdle)
	d.state.Store(uint32(controller.StateIdle))
	metrics.SetControllerState(int(controller.StateIdle))
}

// Halt stops the firmware for good: the bridge is disabled, the fault is
// logged and every later tick is ignored.
func (d *Device) Halt(reason string) {
	if d.halted.Swap(true) {
		return
	}
	d.hw.Gate.Disable()
	d.hw.Gate.SetDuty(0, 0, 0)
	metrics.IncError(metrics.ErrHardFault)
	logging.L().Error("hard_fault", "reason", reason, "node", d.node, "uptime_s", d.uptime)
}

// nowMS is the firmware millisecond clock, derived from executed ticks.
func (d *Device) nowMS() uint32 { return uint32(uint64(d.uptime * 1000)) }

func (d *Device) sendRaw(id uint32, data []byte) error {
	return d.canOut.SendFrame(can.NewFrame(id, data))
}

func (d *Device) heartbeat() {
	if d.cfg.HeartbeatInterval == 0 {
		return
	}
	now := d.nowMS()
	if int32(now-d.nextBeat) < 0 {
		return
	}
	d.nextBeat = now + d.cfg.HeartbeatInterval
	if err := d.canOut.SendFrame(endpoint.Heartbeat(d.table, d.node)); err != nil {
		logging.L().Debug("heartbeat_send_failed", "error", err)
		return
	}
	metrics.IncHeartbeat()
}

// serviceCAN is the deferred CAN interrupt handler.
func (d *Device) serviceCAN() {
	d.mbMu.Lock()
	frames := d.mailbox
	d.mailbox = nil
	d.mbMu.Unlock()
	for i := range frames {
		f := &frames[i]
		if f.ID == endpoint.CANID(d.node, endpoint.ISOTPRequest) {
			if err := d.link.OnFrameReceived(f.Payload()); err != nil {
				metrics.IncError(metrics.ErrISOTPReceive)
				if ok, n := d.quiet.Allow("isotp_rx"); ok {
					logging.L().Debug("isotp_receive_error", "error", err, "suppressed", n)
				}
			}
			continue
		}
		d.disp.HandleFrame(*f)
	}
}

// serviceUART is the deferred UART interrupt handler.
func (d *Device) serviceUART() {
	var frames []serial.Frame
	d.uartMu.Lock()
	_ = d.codec.DecodeStream(&d.uartIn, func(f serial.Frame) { frames = append(frames, f) })
	d.uartMu.Unlock()
	for _, f := range frames {
		reply := d.disp.HandleSerial(f)
		if reply == nil || d.uartOut == nil {
			continue
		}
		if err := d.uartOut.SendBytes(reply); err != nil {
			logging.L().Debug("uart_reply_failed", "error", err)
		}
	}
}

// Snapshot captures the persisted configuration. The node id is the one
// that takes effect on the next reset.
func (d *Device) Snapshot() nvm.Snapshot {
	return nvm.Snapshot{
		Version:    nvm.FormatVersion,
		Firmware:   d.cfg.Version.String(),
		NodeID:     d.pendingNode,
		Controller: d.ctrl.Config(),
		Motor:      d.mot.Params(),
		Observer:   d.obs.Config(),
	}
}

// Apply installs a snapshot. All fields are validated before anything is
// changed. A new node id takes effect after reset.
func (d *Device) Apply(s nvm.Snapshot) error {
	if d.ctrl.State() != controller.StateIdle {
		return ErrNotIdle
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if err := d.ctrl.Restore(s.Controller); err != nil {
		return err
	}
	if err := d.obs.Restore(s.Observer); err != nil {
		return err
	}
	d.mot.SetParams(s.Motor)
	d.ctrl.Refresh()
	d.pendingNode = s.NodeID
	logging.L().Info("config_applied", "node", s.NodeID, "motor_calibrated", d.mot.Calibrated())
	return nil
}

// Save writes the current configuration to the store (Idle only).
func (d *Device) Save() error {
	if d.ctrl.State() != controller.StateIdle {
		return ErrNotIdle
	}
	if d.store == nil {
		return fmt.Errorf("%w: no store configured", nvm.ErrNotFound)
	}
	if err := d.store.Save(d.Snapshot()); err != nil {
		metrics.IncError(metrics.ErrNVM)
		logging.L().Error("config_save_failed", "error", err)
		return err
	}
	logging.L().Info("config_saved")
	return nil
}

// Erase removes the stored configuration (Idle only). Defaults apply after
// the next reset.
func (d *Device) Erase() error {
	if d.ctrl.State() != controller.StateIdle {
		return ErrNotIdle
	}
	if d.store == nil {
		return fmt.Errorf("%w: no store configured", nvm.ErrNotFound)
	}
	if err := d.store.Erase(); err != nil {
		metrics.IncError(metrics.ErrNVM)
		return err
	}
	logging.L().Info("config_erased")
	return nil
}

// RequestReset makes Run return ErrReset after the current tick.
func (d *Device) RequestReset() { d.resetReq = true }
