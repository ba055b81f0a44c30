package app

import (
	"testing"
	"time"

	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
)

func TestBrokerTopology_QueuesWithoutConsumersAreBounded(t *testing.T) {
	topo := BrokerTopology([]time.Duration{time.Minute})

	bounded := map[string]bool{
		domain.QueueProposalDenied:     true,
		domain.QueueCardIssueRequested: true,
	}
	for _, q := range topo.Queues {
		if bounded[q.Name] {
			if q.MaxLength <= 0 || q.MessageTTL <= 0 {
				t.Fatalf("expected %s to be bounded, got max_length=%d ttl=%s", q.Name, q.MaxLength, q.MessageTTL)
			}
			delete(bounded, q.Name)
			continue
		}
		if q.MaxLength != 0 || q.MessageTTL != 0 {
			t.Fatalf("expected consumed queue %s to be unbounded", q.Name)
		}
	}
	if len(bounded) != 0 {
		t.Fatalf("queues missing from topology: %v", bounded)
	}
}
