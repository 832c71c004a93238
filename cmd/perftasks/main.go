package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/fhemarket/internal/protocol"
)

type options struct {
	baseURL       string
	wallet        string
	rounds        int
	readyTimeout  time.Duration
	actionTimeout time.Duration
	interRound    time.Duration
	skipDecrypt   bool
	verbose       bool
}

type wsEnvelope struct {
	Type      string          `json:"type"`
	Reason    string          `json:"reason,omitempty"`
	Action    string          `json:"action,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Code      string          `json:"code,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Message   string          `json:"message,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type actionOutcome struct {
	env wsEnvelope
	err error
}

// replayer matches action results to requests by request_id.
type replayer struct {
	conn    *websocket.Conn
	readyCh chan struct{}
	waiters map[string]chan actionOutcome
	regCh   chan waiterReg
	errCh   chan error
	done    chan struct{}
	verbose bool
	nextID  int
}

type waiterReg struct {
	id string
	ch chan actionOutcome
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perftasks: %v\n", err)
		os.Exit(2)
	}
	report, err := run(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perftasks: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(report.String())
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("perftasks", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "fhemarket base URL")
	fs.StringVar(&cfg.wallet, "wallet", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", "signer address to connect")
	fs.IntVar(&cfg.rounds, "rounds", 5, "create/decrypt rounds to replay")
	fs.DurationVar(&cfg.readyTimeout, "ready-timeout", 30*time.Second, "wait for the ready phase")
	fs.DurationVar(&cfg.actionTimeout, "action-timeout", time.Minute, "wait for each action result")
	fs.DurationVar(&cfg.interRound, "inter-round", 0, "delay between rounds")
	fs.BoolVar(&cfg.skipDecrypt, "skip-decrypt", false, "only create tasks")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.wallet) == "" {
		return options{}, fmt.Errorf("wallet is required")
	}
	if cfg.rounds <= 0 {
		return options{}, fmt.Errorf("rounds must be > 0")
	}
	if cfg.actionTimeout < time.Second {
		cfg.actionTimeout = time.Second
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options) (report, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	if err := connectWallet(ctx, httpClient, cfg.baseURL, cfg.wallet); err != nil {
		return report{}, fmt.Errorf("connect wallet: %w", err)
	}

	wsURL, err := wsURLForEvents(cfg.baseURL)
	if err != nil {
		return report{}, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return report{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	r := &replayer{
		conn:    conn,
		readyCh: make(chan struct{}),
		waiters: make(map[string]chan actionOutcome),
		regCh:   make(chan waiterReg),
		errCh:   make(chan error, 1),
		done:    make(chan struct{}),
		verbose: cfg.verbose,
	}
	go r.readLoop()

	select {
	case <-r.readyCh:
	case <-r.done:
		return report{}, fmt.Errorf("ws read: %w", r.readErr())
	case <-time.After(cfg.readyTimeout):
		return report{}, fmt.Errorf("client not ready after %s", cfg.readyTimeout)
	}

	var rep report
	for i := 0; i < cfg.rounds; i++ {
		if _, _, err := r.do(protocol.ClientControl{
			Action: protocol.ActionUpdateForm,
			Form: &protocol.FormFields{
				Name:         fmt.Sprintf("perf round %d", i+1),
				ComputeValue: strconv.Itoa(1000 + i),
				Description:  "perftasks replay",
			},
		}, cfg.actionTimeout); err != nil {
			return rep, fmt.Errorf("round %d update form: %w", i+1, err)
		}

		env, took, err := r.do(protocol.ClientControl{Action: protocol.ActionCreate}, cfg.actionTimeout)
		if err != nil {
			return rep, fmt.Errorf("round %d create: %w", i+1, err)
		}
		rep.create = append(rep.create, took)
		var created struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(env.Result, &created); err != nil || created.TaskID == "" {
			return rep, fmt.Errorf("round %d create: missing task_id in result", i+1)
		}
		if cfg.verbose {
			fmt.Printf("perftasks: round %d/%d created %s in %s\n", i+1, cfg.rounds, created.TaskID, took.Round(time.Millisecond))
		}

		if !cfg.skipDecrypt {
			_, took, err := r.do(protocol.ClientControl{Action: protocol.ActionDecrypt, TaskID: created.TaskID}, cfg.actionTimeout)
			if err != nil {
				return rep, fmt.Errorf("round %d decrypt: %w", i+1, err)
			}
			rep.decrypt = append(rep.decrypt, took)
		}
		if cfg.interRound > 0 && i < cfg.rounds-1 {
			time.Sleep(cfg.interRound)
		}
	}

	if cfg.verbose {
		fmt.Println("perftasks: replay completed")
	}
	return rep, nil
}

var errConnClosed = errors.New("websocket closed")

func (r *replayer) readErr() error {
	select {
	case err := <-r.errCh:
		return err
	default:
		return errConnClosed
	}
}

// do sends one control action and waits for its action_result.
func (r *replayer) do(msg protocol.ClientControl, timeout time.Duration) (wsEnvelope, time.Duration, error) {
	r.nextID++
	msg.Type = protocol.TypeClientControl
	msg.RequestID = "perf-" + strconv.Itoa(r.nextID)
	ch := make(chan actionOutcome, 1)
	select {
	case r.regCh <- waiterReg{id: msg.RequestID, ch: ch}:
	case <-r.done:
		return wsEnvelope{}, 0, errConnClosed
	}

	start := time.Now()
	if err := r.conn.WriteJSON(msg); err != nil {
		return wsEnvelope{}, 0, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		return out.env, time.Since(start), out.err
	case <-r.done:
		return wsEnvelope{}, 0, errConnClosed
	case <-timer.C:
		return wsEnvelope{}, 0, fmt.Errorf("timeout after %s", timeout)
	}
}

func (r *replayer) readLoop() {
	defer close(r.done)
	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			_, data, err := r.conn.ReadMessage()
			if err != nil {
				select {
				case r.errCh <- err:
				default:
				}
				return
			}
			frames <- data
		}
	}()

	ready := false
	for {
		select {
		case reg := <-r.regCh:
			r.waiters[reg.id] = reg.ch
		case data, ok := <-frames:
			if !ok {
				return
			}
			var env wsEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			switch protocol.MessageType(env.Type) {
			case protocol.TypeStateSnapshot:
				if !ready && snapshotPhase(env.State) == "ready" {
					ready = true
					close(r.readyCh)
				}
			case protocol.TypeStatusEvent:
				if r.verbose && env.Message != "" {
					fmt.Printf("perftasks: status %s\n", env.Message)
				}
			case protocol.TypeActionResult, protocol.TypeErrorEvent:
				ch, ok := r.waiters[env.RequestID]
				if !ok {
					if r.verbose && env.Type == string(protocol.TypeErrorEvent) {
						fmt.Fprintf(os.Stderr, "perftasks: error_event code=%s detail=%s\n", env.Code, env.Detail)
					}
					continue
				}
				delete(r.waiters, env.RequestID)
				out := actionOutcome{env: env}
				if env.Type == string(protocol.TypeErrorEvent) {
					out.err = fmt.Errorf("%s: %s", env.Code, env.Detail)
				}
				ch <- out
			}
		}
	}
}

func snapshotPhase(raw json.RawMessage) string {
	var st struct {
		Phase string `json:"phase"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &st) != nil {
		return ""
	}
	return st.Phase
}

func connectWallet(ctx context.Context, client *http.Client, baseURL, address string) error {
	payload, err := json.Marshal(map[string]string{"address": address})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/wallet/connect", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func wsURLForEvents(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/events/ws"
	return u.String(), nil
}

type report struct {
	create  []time.Duration
	decrypt []time.Duration
}

func (r report) String() string {
	var b strings.Builder
	for _, row := range []struct {
		name    string
		samples []time.Duration
	}{{"create", r.create}, {"decrypt", r.decrypt}} {
		if len(row.samples) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%-8s n=%d p50=%s p95=%s max=%s\n", row.name, len(row.samples),
			percentile(row.samples, 0.50), percentile(row.samples, 0.95), percentile(row.samples, 1))
	}
	return b.String()
}

func percentile(samples []time.Duration, q float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted)-1) + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx].Round(time.Millisecond)
}
