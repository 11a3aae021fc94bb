package receive

import (
	"net/http"

	"github.com/agentmesh/meshd/internal/store"
)

// Summary is the aggregated node view served at /api/mesh/summary and
// consumed by dashboards.
type Summary struct {
	Agent         string                      `json:"agent"`
	Sent          uint64                      `json:"sent"`
	Received      uint64                      `json:"received"`
	Replayed      uint64                      `json:"replayed"`
	DeadLetters   int                         `json:"deadLetters"`
	CircuitsOpen  int                         `json:"circuitsOpen"`
	Circuits      map[string]store.Circuit    `json:"circuits,omitempty"`
	PeerHealth    map[string]store.PeerHealth `json:"peerHealth,omitempty"`
	Routing       store.RoutingTable          `json:"routing"`
	Conversations int                         `json:"conversations"`
	Sessions      int                         `json:"sessions"`
	Inbox         int                         `json:"inbox"`
}

// collectSummary gathers counters and state for the summary endpoint.
func (s *Server) collectSummary() (Summary, error) {
	sum := Summary{Agent: s.self, Inbox: s.inbox.Len()}

	var err error
	if sum.Sent, err = s.store.GetCounter(store.CounterSent); err != nil {
		return sum, err
	}
	if sum.Received, err = s.store.GetCounter(store.CounterReceived); err != nil {
		return sum, err
	}
	if sum.Replayed, err = s.store.GetCounter(store.CounterReplayed); err != nil {
		return sum, err
	}
	if sum.DeadLetters, err = s.store.DeadLetterCount(); err != nil {
		return sum, err
	}

	circuits, err := s.store.AllCircuits()
	if err != nil {
		return sum, err
	}
	sum.Circuits = circuits
	for _, c := range circuits {
		if c.State == store.CircuitOpen {
			sum.CircuitsOpen++
		}
	}

	if sum.PeerHealth, err = s.store.AllPeerHealth(); err != nil {
		return sum, err
	}
	if sum.Routing, err = s.store.GetRoutingTable(); err != nil {
		return sum, err
	}

	convs, err := s.store.ListConversations()
	if err != nil {
		return sum, err
	}
	sum.Conversations = len(convs)

	sessions, err := s.store.ListSessions()
	if err != nil {
		return sum, err
	}
	sum.Sessions = len(sessions)
	return sum, nil
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.collectSummary()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
