package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabsync/internal/model"
	envelopeRepo "collabsync/internal/repository/envelope"
	participantRepo "collabsync/internal/repository/participant"
	"collabsync/internal/service/redis"
	"collabsync/internal/utils/log"
)

// historyPageLimit bounds one page of the envelope archive endpoint.
const historyPageLimit = 200

type (
	// HttpServer is the relay: it authenticates clients, fans wire frames
	// out to per-document rooms, queues frames for offline room members and
	// archives encrypted envelopes. Application traffic is opaque
	// ciphertext end to end.
	HttpServer struct {
		mu sync.Mutex
		// rooms maps documentID to the currently connected clients.
		rooms map[string]map[string]*websocket.Conn
		// roster remembers every client that ever joined a room, so frames
		// can be queued for members that are offline right now.
		roster map[string]map[string]struct{}

		participants *participantRepo.Repo
		envelopes    *envelopeRepo.Repo
		redisService *redis.Service
		token        string
		serverID     string
	}
)

func NewHttpServer(participants *participantRepo.Repo, envelopes *envelopeRepo.Repo, redisSvc *redis.Service, token string) *HttpServer {
	return &HttpServer{
		rooms:        make(map[string]map[string]*websocket.Conn),
		roster:       make(map[string]map[string]struct{}),
		participants: participants,
		envelopes:    envelopes,
		redisService: redisSvc,
		token:        token,
		serverID:     "relay-1",
	}
}

func (s *HttpServer) Run(addr string) error {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{id}", s.GetParticipantKeys()).Methods(http.MethodGet)
	r.HandleFunc("/keys", s.RegisterParticipantKeys()).Methods(http.MethodPost)
	r.HandleFunc("/documents/{docID}/envelopes", s.GetEnvelopeHistory()).Methods(http.MethodGet)
	return http.ListenAndServe(addr, r)
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		clientID := r.URL.Query().Get("clientID")
		docID := r.URL.Query().Get("docID")
		if clientID == "" || docID == "" {
			http.Error(w, "clientID and docID are required", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		if room, ok := s.rooms[docID]; ok {
			if _, dup := room[clientID]; dup {
				s.mu.Unlock()
				http.Error(w, "duplicated clientID", http.StatusBadRequest)
				return
			}
		}
		s.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "Failed to upgrade", http.StatusInternalServerError)
			return
		}

		if !s.handshake(conn, clientID, docID) {
			conn.Close()
			return
		}

		s.mu.Lock()
		if s.rooms[docID] == nil {
			s.rooms[docID] = make(map[string]*websocket.Conn)
		}
		if s.roster[docID] == nil {
			s.roster[docID] = make(map[string]struct{})
		}
		s.rooms[docID][clientID] = conn
		s.roster[docID][clientID] = struct{}{}
		s.mu.Unlock()

		go s.processWSMessage(docID, clientID, conn)
		if err := s.ForwardQueuedFrames(docID, clientID, conn); err != nil {
			log.Error("forward queued frames failed", zap.Error(err))
		}
	}
}

// handshake reads the HELLO frame and checks the bearer token. A bad token
// gets an ERROR frame before the close.
func (s *HttpServer) handshake(conn *websocket.Conn, clientID, docID string) bool {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	msg, err := model.DecodeMessage(data)
	if err != nil || msg.Type != model.TypeHello {
		s.writeError(conn, "BAD_HANDSHAKE", "expected HELLO")
		return false
	}
	var hello model.Hello
	if err := msg.DecodePayload(&hello); err != nil {
		s.writeError(conn, "BAD_HANDSHAKE", "malformed HELLO")
		return false
	}
	if hello.Token != s.token || hello.ClientID != clientID || hello.DocumentID != docID {
		s.writeError(conn, "UNAUTHORIZED", "token rejected")
		return false
	}

	ack, err := model.NewMessage(model.TypeHelloAck, &model.HelloAck{
		ClientID: clientID,
		ServerID: s.serverID,
	})
	if err != nil {
		return false
	}
	out, err := ack.Encode()
	if err != nil {
		return false
	}
	return conn.WriteMessage(websocket.TextMessage, out) == nil
}

func (s *HttpServer) processWSMessage(docID, clientID string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("client web socket closed",
				zap.String("clientID", clientID), zap.Error(err))
			s.mu.Lock()
			delete(s.rooms[docID], clientID)
			s.mu.Unlock()
			conn.Close()
			break
		}

		msg, err := model.DecodeMessage(data)
		if err != nil {
			log.Error("drop malformed frame", zap.String("clientID", clientID), zap.Error(err))
			continue
		}

		switch msg.Type {
		case model.TypePing:
			var ping model.Ping
			_ = msg.DecodePayload(&ping)
			pong, err := model.NewMessage(model.TypePong, &model.Pong{Timestamp: ping.Timestamp})
			if err != nil {
				continue
			}
			out, err := pong.Encode()
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				log.Debug("pong write failed", zap.Error(err))
			}
		case model.TypeKeyRequest, model.TypeKeyExchange:
			// plaintext handshake traffic, fan out to the room
			s.broadcast(docID, clientID, data, false)
		case model.TypeEncrypted:
			var env model.Envelope
			if err := msg.DecodePayload(&env); err != nil {
				log.Error("drop malformed envelope", zap.Error(err))
				continue
			}
			if err := s.envelopes.Append(context.TODO(), &env); err != nil {
				log.Error("archive envelope failed", zap.Error(err))
			}
			s.broadcast(docID, clientID, data, true)
		default:
			log.Warn("drop unexpected frame type",
				zap.String("type", string(msg.Type)), zap.String("clientID", clientID))
		}
	}
}

// broadcast fans data out to every room member except the sender. When
// queueOffline is set, roster members without a live connection get the
// frame queued for their next session.
func (s *HttpServer) broadcast(docID, senderID string, data []byte, queueOffline bool) {
	s.mu.Lock()
	room := s.rooms[docID]
	conns := make(map[string]*websocket.Conn, len(room))
	for id, c := range room {
		conns[id] = c
	}
	var offline []string
	if queueOffline {
		for id := range s.roster[docID] {
			if _, live := room[id]; !live && id != senderID {
				offline = append(offline, id)
			}
		}
	}
	s.mu.Unlock()

	for id, c := range conns {
		if id == senderID {
			continue
		}
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug("broadcast write failed", zap.String("clientID", id), zap.Error(err))
		}
	}
	for _, id := range offline {
		if err := s.QueueFrame(context.TODO(), docID, id, data); err != nil {
			log.Error("queue offline frame failed", zap.String("clientID", id), zap.Error(err))
		}
	}
}

func (s *HttpServer) GetParticipantKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		vars := mux.Vars(r)
		id := vars["id"]

		pk, err := s.participants.GetByID(ctx, id)
		if err != nil {
			log.Error("get participant keys failed", zap.Error(err))
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		if pk == nil {
			http.Error(w, "participant does not exist", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(pk); err != nil {
			log.Error("encode participant keys failed", zap.Error(err))
		}
	}
}

func (s *HttpServer) RegisterParticipantKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var pk model.ParticipantKey
		if err := json.NewDecoder(r.Body).Decode(&pk); err != nil {
			http.Error(w, "malformed participant key", http.StatusBadRequest)
			return
		}
		if pk.ParticipantID == "" || len(pk.PublicKey) == 0 {
			http.Error(w, "participantId and publicKey are required", http.StatusBadRequest)
			return
		}

		if err := s.participants.Upsert(ctx, &pk); err != nil {
			log.Error("register participant keys failed", zap.Error(err))
			http.Error(w, "register failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetEnvelopeHistory pages the opaque envelope archive for a document. Used
// by late joiners to bootstrap before live traffic.
func (s *HttpServer) GetEnvelopeHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		docID := mux.Vars(r)["docID"]

		since := int64(0)
		if v := r.URL.Query().Get("since"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				http.Error(w, "invalid since cursor", http.StatusBadRequest)
				return
			}
			since = parsed
		}

		envs, err := s.envelopes.ListSince(ctx, docID, since, historyPageLimit)
		if err != nil {
			log.Error("list envelope history failed", zap.Error(err))
			http.Error(w, "history lookup failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(envs); err != nil {
			log.Error("encode envelope history failed", zap.Error(err))
		}
	}
}

func (s *HttpServer) writeError(conn *websocket.Conn, code, message string) {
	msg, err := model.NewMessage(model.TypeError, &model.ErrorMessage{Code: code, Message: message})
	if err != nil {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}
