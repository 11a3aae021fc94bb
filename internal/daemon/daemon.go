// Package daemon assembles the mesh node from configuration and runs
// it: HTTP surface, outbound pipeline, conversation engine, session
// router, and the periodic maintenance jobs.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentmesh/meshd/internal/audit"
	"github.com/agentmesh/meshd/internal/circuit"
	"github.com/agentmesh/meshd/internal/clock"
	"github.com/agentmesh/meshd/internal/config"
	"github.com/agentmesh/meshd/internal/conversation"
	"github.com/agentmesh/meshd/internal/discovery"
	"github.com/agentmesh/meshd/internal/envelope"
	"github.com/agentmesh/meshd/internal/events"
	"github.com/agentmesh/meshd/internal/identity"
	"github.com/agentmesh/meshd/internal/keys"
	"github.com/agentmesh/meshd/internal/logging"
	"github.com/agentmesh/meshd/internal/metrics"
	"github.com/agentmesh/meshd/internal/notify"
	"github.com/agentmesh/meshd/internal/queue"
	"github.com/agentmesh/meshd/internal/receive"
	"github.com/agentmesh/meshd/internal/send"
	"github.com/agentmesh/meshd/internal/session"
	"github.com/agentmesh/meshd/internal/store"
	"github.com/agentmesh/meshd/internal/transport"
)

// Daemon is one assembled mesh node.
type Daemon struct {
	cfg      *config.Config
	log      *logging.Logger
	clock    clock.Clock
	registry *identity.Registry
	store    *store.Store
	audit    *audit.Log
	bus      *events.Bus
	sender   *send.Sender
	convs    *conversation.Engine
	sessions *session.Router
	drainer  *queue.Drainer
	disc     *discovery.Discovery
	server   *receive.Server
	notifier *notify.Multi
	cron     *cron.Cron
}

// New builds a daemon from configuration. State directories are created
// on first run.
func New(cfg *config.Config, log *logging.Logger) (*Daemon, error) {
	for _, dir := range []string{cfg.ConfigDir(), cfg.StateDir(), cfg.LogDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	registry, err := identity.Load(cfg.ConfigDir())
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	st, err := store.Open(cfg.StateDir()+"/mesh.db", cfg.MaxQueue)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	auditLog, err := audit.Open(cfg.LogDir())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	queueJournal, err := audit.OpenJournal(cfg.LogDir(), "queue-replay.jsonl")
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open queue journal: %w", err)
	}
	discoveryJournal, err := audit.OpenJournal(cfg.LogDir(), "discover.jsonl")
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open discovery journal: %w", err)
	}

	clk := clock.Real{}
	bus := events.New()
	ks := keys.NewStore(cfg.ConfigDir())
	client := transport.New(cfg.ConnectTimeout, cfg.TotalTimeout)
	breaker := circuit.New(st, clk, cfg.CircuitThreshold, cfg.CircuitCooldown, log.Component("circuit").Logger)

	selfToken := ""
	selfIP := "127.0.0.1"
	if self, ok := registry.SelfPeer(); ok {
		selfToken = self.Token
		if self.IP != "" {
			selfIP = self.IP
		}
	}

	builder := envelope.NewBuilder(registry.Self(), selfIP, cfg.Port, selfToken,
		cfg.DefaultTTL, cfg.StrictEncrypt, ks, registry, clk, log.Component("envelope").Logger)
	validator := envelope.NewValidator(ks, registry, st, clk,
		cfg.DefaultTTL, cfg.ReplayWindow, cfg.ClockSkew, cfg.AllowUnsigned)

	sender := send.New(registry, breaker, st, auditLog, builder, client, ks, clk, bus,
		send.DefaultRetryPolicy(), cfg.DefaultTTL, cfg.DashboardPort, log.Component("send").Logger)
	convs := conversation.NewEngine(registry.Self(), st, sender, clk, bus, log.Component("conversation").Logger)
	sessions := session.NewRouter(registry.Self(), st, sender, clk, cfg.SessionTTL, log.Component("session").Logger)
	sender.SetSessionRecorder(sessions)

	drainer := queue.New(st, registry, sender, queueJournal, clk, bus, cfg.DefaultTTL, log.Component("queue").Logger)
	disc := discovery.New(registry, st, client, discoveryJournal, clk, bus, log.Component("discovery").Logger)

	var handler receive.Handler
	if cfg.HandlerCmd != "" {
		handler = &receive.ExecHandler{Command: cfg.HandlerCmd}
	}

	server := receive.NewServer(receive.Options{
		Registry:       registry,
		Validator:      validator,
		Builder:        builder,
		Sender:         sender,
		Client:         client,
		Conversations:  convs,
		Sessions:       sessions,
		Drainer:        drainer,
		Discovery:      disc,
		Audit:          auditLog,
		Store:          st,
		Keys:           ks,
		Handler:        handler,
		HandlerTimeout: cfg.HandlerTimeout,
		Clock:          clk,
		Bus:            bus,
		Log:            log.Component("receive").Logger,
	})

	d := &Daemon{
		cfg:      cfg,
		log:      log,
		clock:    clk,
		registry: registry,
		store:    st,
		audit:    auditLog,
		bus:      bus,
		sender:   sender,
		convs:    convs,
		sessions: sessions,
		drainer:  drainer,
		disc:     disc,
		server:   server,
		notifier: buildNotifier(cfg, registry.Self(), log),
		cron:     cron.New(),
	}
	if err := d.schedule(); err != nil {
		st.Close()
		return nil, err
	}
	return d, nil
}

// buildNotifier assembles the event sink chain from configuration. The
// log sink is always on; webhook and MQTT join when configured.
func buildNotifier(cfg *config.Config, self string, log *logging.Logger) *notify.Multi {
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, parseHeaders(cfg.WebhookHeaders)))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, "meshd-"+self, 1))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	return notify.NewMulti(log, notifiers...)
}

// schedule registers the periodic maintenance jobs.
func (d *Daemon) schedule() error {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func()
	}{
		{"drain", d.cfg.DrainInterval, d.runDrain},
		{"discover", d.cfg.ProbeInterval, d.runDiscover},
		{"sweep", d.cfg.SweepInterval, d.runSweep},
		{"sessions", d.cfg.SessionInterval, d.runSessionCleanup},
		{"nonces", d.cfg.ReplayWindow, d.runNonceTrim},
	}
	if d.cfg.MetricsTextfile != "" {
		jobs = append(jobs, struct {
			name     string
			interval time.Duration
			run      func()
		}{"textfile", time.Minute, d.runTextfile})
	}
	for _, j := range jobs {
		if _, err := d.cron.AddFunc("@every "+j.interval.String(), j.run); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return nil
}

// Run starts the node and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	go d.notifier.Run(ctx, d.bus)
	d.cron.Start()
	defer func() { <-d.cron.Stop().Done() }()

	// Establish the routing view before the first scheduled probe.
	go d.runDiscover()

	addr := net.JoinHostPort(d.cfg.BindAddr, strconv.Itoa(d.cfg.Port))
	d.log.Info("mesh node started", "agent", d.registry.Self(), "addr", addr, "peers", len(d.registry.Peers()))
	return d.server.Serve(ctx, addr)
}

// Close releases the node's resources after Run returns.
func (d *Daemon) Close() {
	d.store.Close()
}

func (d *Daemon) runDrain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DrainInterval)
	defer cancel()
	report, err := d.drainer.Drain(ctx)
	if err != nil {
		d.log.Error("queue drain failed", "error", err)
		return
	}
	if report.Replayed > 0 || report.Purged > 0 || report.Failed > 0 {
		d.log.Info("queue drained",
			"replayed", report.Replayed,
			"purged", report.Purged,
			"failed", report.Failed,
			"remaining", report.Remaining,
		)
	}
}

func (d *Daemon) runDiscover() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ProbeInterval)
	defer cancel()
	rt, err := d.disc.Elect(ctx)
	if err != nil {
		d.log.Error("discovery cycle failed", "error", err)
		return
	}
	if _, err := d.disc.Gossip(ctx, d.sender); err != nil {
		d.log.Warn("routing gossip failed", "error", err)
	}
	if rt.Relay != "" {
		d.log.Info("relay in effect", "relay", rt.Relay)
	}
}

func (d *Daemon) runSweep() {
	swept, err := d.convs.TimeoutSweep(d.clock.Now())
	if err != nil {
		d.log.Error("conversation sweep failed", "error", err)
		return
	}
	if len(swept) > 0 {
		d.log.Info("conversations timed out", "count", len(swept), "ids", swept)
	}
}

func (d *Daemon) runSessionCleanup() {
	removed, err := d.sessions.Cleanup(d.clock.Now())
	if err != nil {
		d.log.Error("session cleanup failed", "error", err)
		return
	}
	if len(removed) > 0 {
		d.log.Info("stale sessions removed", "count", len(removed))
	}
}

func (d *Daemon) runNonceTrim() {
	// Nonces older than twice the replay window can never match again.
	cutoff := d.clock.Now().Add(-2 * d.cfg.ReplayWindow)
	trimmed, err := d.store.TrimNonces(cutoff)
	if err != nil {
		d.log.Error("nonce trim failed", "error", err)
		return
	}
	if trimmed > 0 {
		d.log.Debug("nonces trimmed", "count", trimmed)
	}
	if n, err := d.store.NonceCount(); err == nil {
		metrics.NoncesTracked.Set(float64(n))
	}
}

func (d *Daemon) runTextfile() {
	if err := metrics.WriteTextfile(d.cfg.MetricsTextfile); err != nil {
		d.log.Error("metrics textfile write failed", "path", d.cfg.MetricsTextfile, "error", err)
	}
}

// parseHeaders parses "Key=Value,Key2=Value2" into a header map.
func parseHeaders(s string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && k != "" {
			headers[k] = v
		}
	}
	return headers
}
