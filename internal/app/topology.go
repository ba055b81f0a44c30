package app

import (
	"time"

	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
	"github.com/pedrorocha014/Paran-Banco-RT/pkg/rabbitmq"
)

// proposal.denied and card.issue.requested have no consumer inside the
// pipeline. They are kept for tracing and external subscribers, bounded so
// they cannot grow without limit.
const (
	traceQueueMaxLength = 100000
	traceQueueTTL       = 7 * 24 * time.Hour
)

// BrokerTopology is the exchange and queue layout shared by every service.
// Only proposal.approved gets delay tiers; customer.created failures are
// dead-lettered once the HTTP retry policy is spent.
func BrokerTopology(redeliveryDelays []time.Duration) rabbitmq.Topology {
	return rabbitmq.Topology{
		Exchange:           domain.EventsExchange,
		DeadLetterExchange: domain.DeadLetterExchange,
		Queues: []rabbitmq.QueueSpec{
			{
				Name:            domain.QueueCustomerCreated,
				RoutingKey:      domain.QueueCustomerCreated,
				DeadLetterQueue: domain.DeadLetterCustomerCreated,
			},
			{
				Name:       domain.QueueProposalDenied,
				RoutingKey: domain.QueueProposalDenied,
				MaxLength:  traceQueueMaxLength,
				MessageTTL: traceQueueTTL,
			},
			{
				Name:             domain.QueueProposalApproved,
				RoutingKey:       domain.QueueProposalApproved,
				DeadLetterQueue:  domain.DeadLetterProposalApproved,
				RedeliveryDelays: redeliveryDelays,
			},
			{
				Name:       domain.QueueCardIssueRequested,
				RoutingKey: domain.QueueCardIssueRequested,
				MaxLength:  traceQueueMaxLength,
				MessageTTL: traceQueueTTL,
			},
		},
	}
}
