package broker

import (
	"encoding/json"

	"github.com/instalpay/pcnplan/spec"
	"github.com/instalpay/pcnplan/spec/broker"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var _ broker.Producer = &AMQPBroker{}

const (
	planEventExchange string = "plan_events"
)

// AMQPBroker describes a message broker via RabbitMQ
type AMQPBroker struct {
	logger     *zap.Logger
	connection *amqp.Connection
	channel    *amqp.Channel
}

// NewAMQPBroker returns a Message Broker over RabbitMQ
func NewAMQPBroker(logger *zap.Logger, amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	b := &AMQPBroker{
		logger:     logger,
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := b.setupPlanEventExchange(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for plan events")
	}

	return b, nil
}

func (a *AMQPBroker) setupPlanEventExchange() error {
	return a.channel.ExchangeDeclare(
		planEventExchange, // name
		"topic",           // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

// SendPlanEvent will publish the plan event, routed by its event type
func (a *AMQPBroker) SendPlanEvent(e *spec.PlanEvent) error {
	jsonBytes, err := json.Marshal(e)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode message into bytes")
	}
	if err := a.channel.Publish(
		planEventExchange,
		string(e.Type),
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        jsonBytes,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish plan event")
	}
	return nil
}
