// Package eventbus is the topic-based publish/subscribe layer of the central
// authority.
//
// Every subscription carries a Filter evaluated against the subscriber
// identity and the event payload at delivery time, so a membership change is
// reflected on the very next event. Delivery within a topic is FIFO per
// subscription; nothing is promised across topics.
//
// A RedisBridge can be attached to a Bus so that several central replicas
// share one logical stream.
package eventbus
