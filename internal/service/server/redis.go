package server

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"collabsync/internal/utils/log"

	"go.uber.org/zap"
)

// offlineQueueLimit bounds how many frames are kept per offline client.
const offlineQueueLimit = 1000

func offlineKey(docID, clientID string) string {
	return fmt.Sprintf("offline:%s:%s", docID, clientID)
}

// QueueFrame appends a wire frame to a client's offline queue, trimming the
// queue to its bound.
func (s *HttpServer) QueueFrame(ctx context.Context, docID, clientID string, frame []byte) error {
	key := offlineKey(docID, clientID)
	if err := s.redisService.RPush(ctx, key, frame); err != nil {
		return err
	}
	return s.redisService.LTrim(ctx, key, offlineQueueLimit)
}

// DequeueFrames drains a client's offline queue in FIFO order.
func (s *HttpServer) DequeueFrames(ctx context.Context, docID, clientID string) ([][]byte, error) {
	key := offlineKey(docID, clientID)
	vals, err := s.redisService.LRange(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.redisService.Del(ctx, key); err != nil {
		return nil, err
	}

	frames := make([][]byte, 0, len(vals))
	for _, v := range vals {
		frames = append(frames, []byte(v))
	}
	return frames, nil
}

// ForwardQueuedFrames flushes everything queued while the client was away.
func (s *HttpServer) ForwardQueuedFrames(docID, clientID string, conn *websocket.Conn) error {
	frames, err := s.DequeueFrames(context.TODO(), docID, clientID)
	if err != nil {
		return err
	}

	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Debug("forward queued frame failed",
				zap.String("clientID", clientID), zap.Error(err))
			return err
		}
	}
	return nil
}
