package kafka

import (
	"crypto/sha256"
	"crypto/sha512"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

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

func scramGenerator(mechanism sarama.SASLMechanism) func() sarama.SCRAMClient {
	hash := scram.HashGeneratorFcn(sha512.New)
	if mechanism == sarama.SASLTypeSCRAMSHA256 {
		hash = sha256.New
	}
	return func() sarama.SCRAMClient { return &scramClient{hash: hash} }
}
