// cmd/enginesim — Demo trading engine.
// Serves the REST surface and event stream of a real engine process with
// simulated trading activity, so the dashboard can be developed and demoed
// without a running engine.
//
// REST on ENGINE_ADDR; the stream listens on the same host one port up,
// which is where the dashboard expects it.
//
// Config (env vars):
//
//	ENGINE_ADDR         — REST listen address          (default: ":8081")
//	ENGINE_NAME         — instance name in run IDs     (default: "fixed")
//	ENGINE_ADMIN_TOKEN  — required X-Admin-Token value (default: "demo-token")
//	ENGINE_SYMBOLS      — comma-separated SYMBOL:PRICE (default: "RELIANCE:2450,TCS:4100,INFY:1580")
//	ENGINE_TICK_MS      — price tick interval ms       (default: "1000")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-dashboard/internal/model"
)

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client — drop frame
		}
	}
}

func (h *hub) emit(ev model.Event) {
	b, err := model.EncodeEvent(ev)
	if err != nil {
		log.Printf("[enginesim] encode frame: %v", err)
		return
	}
	h.broadcast(b)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[enginesim] upgrade error: %v", err)
			return
		}
		log.Printf("[enginesim] stream client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[enginesim] stream client disconnected: %s", r.RemoteAddr)
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Simulated engine state ───────────────────────────────────────────────────

type engineSim struct {
	mu        sync.Mutex
	hub       *hub
	rng       *rand.Rand
	state     string // TRADING, PAUSED
	mis       bool
	capital   float64
	runID     string
	prices    map[string]float64
	positions map[string]model.PositionView
	closed    []model.ClosedTradeRecord
	nextID    int
}

func newEngineSim(h *hub, prices map[string]float64) *engineSim {
	return &engineSim{
		hub:       h,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		state:     "TRADING",
		capital:   100000,
		runID:     fmt.Sprintf("paper_%s", time.Now().Format("20060102_150405")),
		prices:    prices,
		positions: make(map[string]model.PositionView),
	}
}

func (e *engineSim) statusLocked() model.EngineStatus {
	return model.EngineStatus{
		State:      e.state,
		MISEnabled: e.mis,
		Capital:    e.capital,
		RunID:      e.runID,
		TS:         time.Now().UTC(),
	}
}

func (e *engineSim) positionListLocked() []model.PositionView {
	out := make([]model.PositionView, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	return out
}

// tick advances the simulation one step: walk prices, maybe open or close
// a position, and emit the matching stream frames.
func (e *engineSim) tick() {
	e.mu.Lock()
	if e.state != "TRADING" {
		e.mu.Unlock()
		return
	}

	batch := make(map[string]model.PriceTick, len(e.prices))
	now := time.Now().UTC()
	for sym := range e.prices {
		pct := (e.rng.Float64()*0.4 - 0.2) / 100.0
		e.prices[sym] *= 1 + pct
		batch[sym] = model.PriceTick{Price: round2(e.prices[sym]), TS: now}
	}

	var frames []model.Event
	frames = append(frames, model.Event{Kind: model.EventLTPBatch, LTP: batch})

	switch n := e.rng.Intn(20); {
	case n == 0 && len(e.positions) > 0:
		frames = append(frames, e.closeOneLocked())
		frames = append(frames, model.Event{Kind: model.EventPositions, Positions: e.positionListLocked()})
	case n <= 2 && len(e.positions) < len(e.prices):
		e.openOneLocked()
		frames = append(frames, model.Event{Kind: model.EventPositions, Positions: e.positionListLocked()})
	}
	e.mu.Unlock()

	for _, ev := range frames {
		e.hub.emit(ev)
	}
}

func (e *engineSim) openOneLocked() {
	for sym, price := range e.prices {
		if _, open := e.positions[sym]; open {
			continue
		}
		side := model.SideLong
		if e.rng.Intn(2) == 1 {
			side = model.SideShort
		}
		e.positions[sym] = model.PositionView{
			Symbol:     sym,
			Side:       side,
			Qty:        int64(e.rng.Intn(40) + 10),
			EntryPrice: round2(price),
			EntryTime:  time.Now().UTC(),
		}
		log.Printf("[enginesim] opened %s %s", side, sym)
		return
	}
}

// closeOneLocked exits an arbitrary open position.
func (e *engineSim) closeOneLocked() model.Event {
	for sym := range e.positions {
		return e.closeSymbolLocked(sym, "TARGET")
	}
	return model.Event{}
}

// ─── REST handlers ────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (e *engineSim) routes(adminToken string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		e.mu.Lock()
		state := e.state
		e.mu.Unlock()
		writeJSON(w, map[string]string{"status": "ok", "state": state})
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		e.mu.Lock()
		st := e.statusLocked()
		e.mu.Unlock()
		writeJSON(w, st)
	})

	mux.HandleFunc("GET /positions", func(w http.ResponseWriter, _ *http.Request) {
		e.mu.Lock()
		list := e.positionListLocked()
		e.mu.Unlock()
		writeJSON(w, map[string]any{"positions": list})
	})

	mux.HandleFunc("GET /funds", func(w http.ResponseWriter, _ *http.Request) {
		e.mu.Lock()
		funds := model.FundsResult{
			Status: "ok",
			Funds:  &model.Funds{Available: round2(e.capital * 0.8), Used: round2(e.capital * 0.2)},
		}
		e.mu.Unlock()
		writeJSON(w, funds)
	})

	mux.HandleFunc("GET /closed-trades", func(w http.ResponseWriter, _ *http.Request) {
		e.mu.Lock()
		trades := append([]model.ClosedTradeRecord(nil), e.closed...)
		e.mu.Unlock()
		writeJSON(w, map[string]any{"trades": trades})
	})

	mux.HandleFunc("POST /admin/{cmd}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Admin-Token") != adminToken {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]string{"error": "invalid admin token"})
			return
		}
		e.handleAdmin(w, r)
	})

	return mux
}

func (e *engineSim) handleAdmin(w http.ResponseWriter, r *http.Request) {
	cmd := r.PathValue("cmd")

	var body struct {
		Capital float64 `json:"capital"`
		Enabled bool    `json:"enabled"`
		Symbol  string  `json:"symbol"`
		Reason  string  `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	var frames []model.Event
	e.mu.Lock()
	switch cmd {
	case "capital":
		e.capital = body.Capital
	case "mis":
		e.mis = body.Enabled
	case "pause":
		e.state = "PAUSED"
	case "resume":
		e.state = "TRADING"
	case "exit":
		if _, ok := e.positions[body.Symbol]; !ok {
			e.mu.Unlock()
			w.WriteHeader(http.StatusUnprocessableEntity)
			writeJSON(w, map[string]string{"error": "no open position for symbol"})
			return
		}
		frames = append(frames, e.closeSymbolLocked(body.Symbol, "MANUAL_EXIT"))
		frames = append(frames, model.Event{Kind: model.EventPositions, Positions: e.positionListLocked()})
	case "exit-all":
		for len(e.positions) > 0 {
			frames = append(frames, e.closeOneLocked())
		}
		frames = append(frames, model.Event{Kind: model.EventPositions, Positions: e.positionListLocked()})
	default:
		e.mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"error": "unknown command"})
		return
	}
	st := e.statusLocked()
	e.mu.Unlock()

	frames = append(frames, model.Event{Kind: model.EventStatus, Status: &st})
	for _, ev := range frames {
		e.hub.emit(ev)
	}
	log.Printf("[enginesim] admin %s accepted", cmd)
	writeJSON(w, map[string]string{"status": "ok", "command": cmd})
}

func (e *engineSim) closeSymbolLocked(sym, reason string) model.Event {
	p := e.positions[sym]
	delete(e.positions, sym)

	exit := round2(e.prices[sym])
	e.nextID++
	ct := model.ClosedTradeRecord{
		TradeID:    fmt.Sprintf("%s-T%03d", e.runID, e.nextID),
		Symbol:     p.Symbol,
		Side:       p.Side,
		Qty:        p.Qty,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exit,
		PnL:        round2(p.UnrealizedPnL(exit)),
		Reason:     reason,
		EntryTime:  p.EntryTime,
		ExitTime:   time.Now().UTC(),
	}
	e.closed = append(e.closed, ct)
	log.Printf("[enginesim] closed %s pnl=%.2f (%s)", sym, ct.PnL, reason)
	return model.Event{Kind: model.EventClosedTrade, ClosedTrade: &ct}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[enginesim] starting demo engine...")

	addr := envOrDefault("ENGINE_ADDR", ":8081")
	name := envOrDefault("ENGINE_NAME", "fixed")
	adminToken := envOrDefault("ENGINE_ADMIN_TOKEN", "demo-token")
	symbolsEnv := envOrDefault("ENGINE_SYMBOLS", "RELIANCE:2450,TCS:4100,INFY:1580")
	tickMs := envIntOrDefault("ENGINE_TICK_MS", 1000)

	prices := parseSymbols(symbolsEnv)
	if len(prices) == 0 {
		log.Fatalf("[enginesim] no symbols configured via ENGINE_SYMBOLS")
	}

	streamAddr, err := streamAddrFor(addr)
	if err != nil {
		log.Fatalf("[enginesim] %v", err)
	}

	h := newHub()
	sim := newEngineSim(h, prices)

	go func() {
		ticker := time.NewTicker(time.Duration(tickMs) * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			sim.tick()
		}
	}()

	streamMux := http.NewServeMux()
	streamMux.HandleFunc("/", wsHandler(h))
	go func() {
		log.Printf("[enginesim] stream listening on %s", streamAddr)
		if err := http.ListenAndServe(streamAddr, streamMux); err != nil {
			log.Fatalf("[enginesim] stream server error: %v", err)
		}
	}()

	log.Printf("[enginesim] instance %q listening on %s (symbols: %s)", name, addr, symbolsEnv)
	if err := http.ListenAndServe(addr, sim.routes(adminToken)); err != nil {
		log.Fatalf("[enginesim] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// streamAddrFor returns addr with the port bumped by one.
func streamAddrFor(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid ENGINE_ADDR %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid port in ENGINE_ADDR %q: %w", addr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1)), nil
}

func parseSymbols(s string) map[string]float64 {
	prices := make(map[string]float64)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			log.Printf("[enginesim] skipping invalid symbol spec: %q", part)
			continue
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(seg[1]), 64)
		if err != nil || price <= 0 {
			log.Printf("[enginesim] skipping invalid price in %q", part)
			continue
		}
		prices[strings.TrimSpace(seg[0])] = price
	}
	return prices
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
