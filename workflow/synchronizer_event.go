package workflow

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

const (
	EventMetadataBusinessType = "business_type"
	EventMetadataStatus       = "status"
	EventMetadataInstanceID   = "instance_id"
)

type eventSynchronizer struct {
	publisher message.Publisher
	topic     string
}

// NewEventSynchronizer 把 Transition 以 JSON 消息发布出去，由下游服务自己回写
func NewEventSynchronizer(publisher message.Publisher, topic string) Synchronizer {
	return &eventSynchronizer{publisher: publisher, topic: topic}
}

func (s *eventSynchronizer) OnInstanceTransition(ctx context.Context, transition *Transition) error {
	payload, err := json.Marshal(transition)
	if err != nil {
		return errors.WithMessage(err, "marshal transition failed")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(EventMetadataBusinessType, transition.BusinessType)
	msg.Metadata.Set(EventMetadataStatus, string(transition.Status))
	msg.Metadata.Set(EventMetadataInstanceID, strconv.FormatInt(transition.InstanceID, 10))
	if err := s.publisher.Publish(s.topic, msg); err != nil {
		return errors.WithMessagef(err, "publish transition of instance %d to %s failed", transition.InstanceID, s.topic)
	}
	return nil
}

// DecodeTransition 消费端解析消息
func DecodeTransition(msg *message.Message) (*Transition, error) {
	transition := &Transition{}
	if err := json.Unmarshal(msg.Payload, transition); err != nil {
		return nil, errors.WithMessagef(err, "decode transition message %s failed", msg.UUID)
	}
	return transition, nil
}
