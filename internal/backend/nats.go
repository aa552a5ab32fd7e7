package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lawlink/consult-signaling/internal/room"
)

const incomingCallSubjectPrefix = "consult.incoming-call."

// ConnectNATS dials the notification bus. Reconnection is handled by the
// client so a bus restart does not take signaling down with it.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// NATSNotifier publishes incoming-call notifications for users who are not
// currently connected to signaling. The notification service subscribes per
// user and fans out to push channels.
type NATSNotifier struct {
	nc *nats.Conn
}

func NewNATSNotifier(nc *nats.Conn) *NATSNotifier {
	return &NATSNotifier{nc: nc}
}

type incomingCallMessage struct {
	ConsultationID string    `json:"consultationId"`
	FromUserID     string    `json:"fromUserId"`
	FromName       string    `json:"fromName"`
	SentAt         time.Time `json:"sentAt"`
}

func (n *NATSNotifier) SendIncomingCall(_ context.Context, userID string, call room.IncomingCall) error {
	data, err := json.Marshal(incomingCallMessage{
		ConsultationID: call.ConsultationID,
		FromUserID:     call.FromUserID,
		FromName:       call.FromName,
		SentAt:         time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal incoming call: %w", err)
	}
	if err := n.nc.Publish(incomingCallSubjectPrefix+userID, data); err != nil {
		return fmt.Errorf("publish incoming call for %s: %w", userID, err)
	}
	return nil
}
