// Package observer serves a loopback-only websocket stream of engine
// state for debug frontends.
package observer

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"voxelrogue.dev/internal/observerproto"
)

type subscriber struct {
	out        chan []byte
	everyTicks int
	chunks     bool
}

type Server struct {
	worldName string
	params    observerproto.WorldParams
	log       *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	tick     atomic.Uint64

	mu   sync.Mutex
	subs map[uint64]*subscriber
}

func NewServer(worldName string, params observerproto.WorldParams, logger *log.Logger) *Server {
	return &Server{
		worldName: worldName,
		params:    params,
		log:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: map[uint64]*subscriber{},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			WorldName:       s.worldName,
			Tick:            s.tick.Load(),
			WorldParams:     s.params,
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		normalizeSubscribe(&sub)

		id := s.nextID.Add(1)
		out := make(chan []byte, 256)
		s.mu.Lock()
		s.subs[id] = &subscriber{out: out, everyTicks: sub.EveryTicks, chunks: sub.Chunks}
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok := <-out:
					if !ok {
						writeErr <- nil
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var sub observerproto.SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				continue
			}
			if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
				continue
			}
			normalizeSubscribe(&sub)
			s.mu.Lock()
			if cur, ok := s.subs[id]; ok {
				cur.everyTicks = sub.EveryTicks
				cur.chunks = sub.Chunks
			}
			s.mu.Unlock()
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Publish fans a tick snapshot out to every subscriber, dropping when a
// client is slow. windowFn is invoked at most once, and only when some
// subscriber asked for window cells this tick.
func (s *Server) Publish(tick observerproto.TickMsg, windowFn func() observerproto.WindowMsg) {
	s.tick.Store(tick.Tick)
	tick.Type = "TICK"
	tick.ProtocolVersion = observerproto.Version

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return
	}

	tickRaw, err := json.Marshal(tick)
	if err != nil {
		s.log.Printf("observer: marshal tick: %v", err)
		return
	}

	var windowRaw []byte
	for _, sub := range s.subs {
		if sub.everyTicks > 1 && tick.Tick%uint64(sub.everyTicks) != 0 {
			continue
		}
		send(sub.out, tickRaw)
		if !sub.chunks || windowFn == nil {
			continue
		}
		if windowRaw == nil {
			w := windowFn()
			w.Type = "WINDOW"
			w.ProtocolVersion = observerproto.Version
			w.Tick = tick.Tick
			windowRaw, err = json.Marshal(w)
			if err != nil {
				s.log.Printf("observer: marshal window: %v", err)
				continue
			}
		}
		send(sub.out, windowRaw)
	}
}

func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func send(out chan []byte, b []byte) {
	select {
	case out <- b:
	default:
		// Slow client; drop rather than stall the tick loop.
	}
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.EveryTicks < 0 {
		sub.EveryTicks = 0
	}
	if sub.EveryTicks > 600 {
		sub.EveryTicks = 600
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
