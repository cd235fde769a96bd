/*
GSB, 2023
gbatanov@yandex.ru
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"ubee/bridge"
	"ubee/config"
	"ubee/metrics"
	"ubee/persist"
	"ubee/pi4"
	"ubee/radio"
	"ubee/zigbee"
	"ubee/zigbee/aps"
	"ubee/zigbee/nwk"
)

const (
	requestTimeout    = 10 * time.Second
	permitJoinDefault = 60
)

// Ubee assembles the daemon: serial radio, stack, metrics endpoint and
// MQTT bridge.
type Ubee struct {
	cfg   *config.Config
	stack config.Stack
	log   zerolog.Logger

	uart    *radio.Uart
	radio   *radio.Radio
	zb      *zigbee.Stack
	metrics *metrics.Collector
	web     *http.Server
	mqtt    *bridge.PahoClient
	bridge  *bridge.Bridge

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewUbee(cfg *config.Config, logger zerolog.Logger) (*Ubee, error) {
	st, err := cfg.StackConfig()
	if err != nil {
		return nil, err
	}
	return &Ubee{cfg: cfg, stack: st, log: logger}, nil
}

func (u *Ubee) params() nwk.Params {
	return nwk.Params{
		ExtendedPANID:   uint64(u.cfg.Network.ExtendedPANID),
		LogicalChannels: u.cfg.ChannelMask(),
		StackProfile:    u.cfg.Network.StackProfile,
		ZigbeeVersion:   u.cfg.Network.ZigbeeVersion,
		BeaconOrder:     15,
		SuperframeOrder: 15,
	}
}

func (u *Ubee) Start(ctx context.Context) error {
	ctx, u.cancel = context.WithCancel(ctx)
	var err error
	if u.metrics, err = metrics.NewCollector(nil); err != nil {
		return err
	}
	if u.cfg.Metrics != "" {
		u.startWeb()
	}

	u.uart = radio.NewUart(u.cfg.Radio.Port, u.cfg.Radio.Baud)
	if err := u.uart.Open(); err != nil {
		return err
	}
	u.radio = radio.New(u.uart, u.log)
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		if err := u.radio.Run(); err != nil {
			u.log.Error().Err(err).Msg("radio stopped")
		}
	}()
	if err := u.radio.Reset(); err != nil {
		u.log.Warn().Err(err).Msg("radio soft reset")
	}

	zc := zigbee.Config{
		Stack:            u.stack,
		MAC:              u.radio,
		Store:            persist.NewFileStore(u.cfg.StatePath),
		Listener:         u,
		Metrics:          u.metrics,
		Logger:           u.log,
		IndicationBuffer: 64,
	}
	if u.stack.SecurityLevel > 0 {
		zc.Security = radio.NewProvider(u.radio)
	}
	if u.cfg.Radio.ResetPin != 0 {
		if pi4.Available() {
			zc.Resetter = pi4.NewResetLine(u.cfg.Radio.ResetPin)
		} else {
			u.log.Warn().Int("pin", u.cfg.Radio.ResetPin).Msg("no GPIO, radio reset line disabled")
		}
	}
	if u.zb, err = zigbee.NewStack(zc); err != nil {
		return err
	}

	if u.cfg.MQTT.Broker != "" {
		if u.mqtt, err = bridge.Dial(u.cfg.MQTT, u.log); err != nil {
			return err
		}
		u.bridge = bridge.New(u.mqtt, u.zb, u.cfg.MQTT.Topic, u.log)
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			if err := u.bridge.Run(ctx, u.zb.Indications()); err != nil {
				u.log.Error().Err(err).Msg("bridge stopped")
			}
		}()
	} else {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			u.logIndications(ctx)
		}()
	}
	u.radio.SetSink(u.zb)

	return u.startNetwork(ctx)
}

// startNetwork forms the network on a coordinator, otherwise tries to get
// back into the saved one.
func (u *Ubee) startNetwork(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if u.stack.CoordinatorCapable {
		return u.zb.Create(ctx, u.params())
	}
	if err := u.zb.Rejoin(ctx, nwk.Router, u.params()); err != nil {
		u.log.Warn().Err(err).Msg("rejoin failed, use scan and join")
	}
	return nil
}

func (u *Ubee) startWeb() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", u.metrics.Handler())
	u.web = &http.Server{Addr: u.cfg.Metrics, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		if err := u.web.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			u.log.Error().Err(err).Msg("metrics endpoint")
		}
	}()
	u.log.Info().Str("listen", u.cfg.Metrics).Msg("metrics endpoint started")
}

func (u *Ubee) logIndications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ind := <-u.zb.Indications():
			u.log.Info().
				Stringer("src", ind.Src).
				Uint16("cluster", ind.ClusterID).
				Stringer("status", ind.Status).
				Hex("asdu", ind.ASDU).
				Msg("indication")
		}
	}
}

// Stop tears everything down. It is safe after a failed Start.
func (u *Ubee) Stop() {
	if u.cancel != nil {
		u.cancel()
	}
	if u.zb != nil {
		u.zb.Close()
	}
	if u.radio != nil {
		_ = u.radio.Close()
	}
	if u.mqtt != nil {
		u.mqtt.Close()
	}
	if u.web != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = u.web.Shutdown(ctx)
		cancel()
	}
	u.wg.Wait()
	u.log.Info().Msg("stopped")
}

// nwk.Listener

func (u *Ubee) DeviceJoined(ext uint64, short uint16, rejoin bool) {
	u.log.Info().Str("ieee", fmt.Sprintf("0x%016x", ext)).Str("short", fmt.Sprintf("0x%04x", short)).Bool("rejoin", rejoin).Msg("device joined")
	if u.bridge != nil {
		u.bridge.DeviceJoined(ext, short, rejoin)
	}
}

func (u *Ubee) DeviceLeft(ext uint64) {
	u.log.Info().Str("ieee", fmt.Sprintf("0x%016x", ext)).Msg("device left")
	if u.bridge != nil {
		u.bridge.DeviceLeft(ext)
	}
}

func (u *Ubee) Left() {
	u.log.Warn().Msg("left the network")
	if u.bridge != nil {
		u.bridge.Left()
	}
}

// Console reads operator commands until q, EOF or ctx is done.
func (u *Ubee) Console(ctx context.Context, stop context.CancelFunc) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "ubee> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "q",
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			stop()
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "q" {
			stop()
			return nil
		}
		if err := u.command(ctx, rl.Stdout(), fields[0], fields[1:]); err != nil {
			fmt.Fprintln(rl.Stdout(), "error:", err)
		}
	}
}

func (u *Ubee) command(ctx context.Context, out io.Writer, cmd string, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout+time.Duration(u.cfg.Network.ScanDuration)*time.Second)
	defer cancel()

	switch cmd {
	case "j":
		seconds := permitJoinDefault
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v < 0 || v > 0xff {
				return fmt.Errorf("bad duration %q", args[0])
			}
			seconds = v
		}
		return u.zb.PermitJoining(ctx, uint8(seconds))
	case "scan":
		networks, err := u.zb.Scan(ctx, u.cfg.ChannelMask(), u.cfg.Network.ScanDuration)
		if err != nil {
			return err
		}
		for _, n := range networks {
			fmt.Fprintf(out, "0x%016x pan 0x%04x channel %d permit %t lqi %d\n",
				n.ExtendedPANID, n.PANID, n.LogicalChannel, n.PermitJoining, n.LQI)
		}
		fmt.Fprintf(out, "%d networks\n", len(networks))
	case "form":
		return u.zb.Create(ctx, u.params())
	case "join":
		return u.zb.Join(ctx, nwk.Router, u.params())
	case "route":
		if len(args) == 0 {
			return errors.New("route needs an extended address")
		}
		ext, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 64)
		if err != nil {
			return fmt.Errorf("bad address %q", args[0])
		}
		if err := u.zb.DiscoverRoute(ctx, ext, 0); err != nil {
			return err
		}
		fmt.Fprintf(out, "route to 0x%016x found\n", ext)
	case "leave":
		return u.zb.Leave(ctx)
	case "reset":
		return u.zb.Reset(ctx)
	case "status":
		st, err := u.zb.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "state %s, role %s, short 0x%04x, pan 0x%04x, channel %d, permit joining %t\n",
			st.State, st.Node.Role, st.Node.ShortAddress, st.Node.PANID, st.Node.Channel, st.PermitJoining)
		fmt.Fprintf(out, "pending transfers %d, reassemblies %d\n", st.Pending, st.Reassemblies)
		for _, d := range st.Devices {
			fmt.Fprintf(out, "  %04x %016x\n", d.Short, d.Extended)
		}
	case "help", "?":
		fmt.Fprintln(out, "q | j [seconds] | scan | form | join | route <ieee> | leave | reset | status")
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

var (
	_ nwk.Listener = (*Ubee)(nil)
	_ bridge.Stack = (*zigbee.Stack)(nil)
	_ zigbee.MAC   = (*radio.Radio)(nil)
	_ radio.Sink   = (*zigbee.Stack)(nil)
	_ aps.MAC      = (*radio.Radio)(nil)
)
