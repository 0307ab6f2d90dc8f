// Package events consumes payment collaborator events from Kafka and feeds
// them to the escalation scheduler.
package events

import (
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

// Options configures the broker connection.
type Options struct {
	Brokers  []string
	Topic    string
	GroupID  string
	User     string
	Password string
	// Mechanism is PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512. Ignored without a
	// user.
	Mechanism string
}

// SaramaConfig builds the consumer group configuration, enabling SASL when
// credentials are set.
func SaramaConfig(opts Options) (*sarama.Config, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = "homeservices-realtime"
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin

	if opts.User == "" {
		return config, nil
	}

	config.Net.SASL.Enable = true
	config.Net.SASL.Handshake = true
	config.Net.SASL.User = opts.User
	config.Net.SASL.Password = opts.Password

	switch strings.ToUpper(opts.Mechanism) {
	case "", "PLAIN":
		config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	case "SCRAM-SHA-256":
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{hash: scram.SHA256}
		}
	case "SCRAM-SHA-512":
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{hash: scram.SHA512}
		}
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", opts.Mechanism)
	}
	return config, nil
}

// scramClient adapts xdg-go/scram to sarama.SCRAMClient.
type scramClient struct {
	hash scram.HashGeneratorFcn
	conv *scram.ClientConversation
}

func (c *scramClient) Begin(user, password, authzID string) error {
	client, err := c.hash.NewClient(user, password, authzID)
	if err != nil {
		return err
	}
	c.conv = client.NewConversation()
	return nil
}

func (c *scramClient) Step(challenge string) (string, error) {
	return c.conv.Step(challenge)
}

func (c *scramClient) Done() bool {
	return c.conv.Done()
}
