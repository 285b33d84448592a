package mq

import "strings"

// RoutingKey converts a canonical topic to an AMQP topic-exchange routing key.
func RoutingKey(topic string) string {
	return strings.NewReplacer("/", ".", "+", "*").Replace(topic)
}

// TopicFromRoutingKey converts an AMQP routing key back to a canonical topic.
func TopicFromRoutingKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

// Subject converts a canonical topic to a NATS subject.
func Subject(topic string) string {
	return strings.NewReplacer("/", ".", "+", "*", "#", ">").Replace(topic)
}

// TopicFromSubject converts a NATS subject back to a canonical topic.
func TopicFromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
