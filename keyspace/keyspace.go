// Package keyspace resolves a logical topic identifier to the storage key
// every scout table is partitioned by.
//
// A topic has at most two namespaces: the live one ("t:<id>") and a shadow
// one ("shadow:t:<id>") used for dry-run experimentation. Shadow and live
// state never share rows; switching a caller to the shadow namespace changes
// nothing else about any component's behaviour.
package keyspace

import (
	"fmt"
	"strings"
)

const (
	livePrefix   = "t:"
	shadowPrefix = "shadow:t:"
)

// Key identifies one topic namespace.
type Key struct {
	TopicID string
	Shadow  bool
}

// ForTopic returns the live key for a topic.
func ForTopic(topicID string) Key {
	return Key{TopicID: topicID}
}

// Shadow returns the shadow key for a topic.
func Shadow(topicID string) Key {
	return Key{TopicID: topicID, Shadow: true}
}

// String renders the storage key. All scout tables use this as the
// topic_key column value.
func (k Key) String() string {
	if k.Shadow {
		return shadowPrefix + k.TopicID
	}
	return livePrefix + k.TopicID
}

// ShadowOf returns the shadow twin of this key. The shadow of a shadow key
// is itself.
func (k Key) ShadowOf() Key {
	return Key{TopicID: k.TopicID, Shadow: true}
}

// Live returns the live twin of this key.
func (k Key) Live() Key {
	return Key{TopicID: k.TopicID}
}

// Parse reverses String. It rejects strings produced by neither namespace.
func Parse(s string) (Key, error) {
	switch {
	case strings.HasPrefix(s, shadowPrefix):
		id := s[len(shadowPrefix):]
		if id == "" {
			return Key{}, fmt.Errorf("keyspace: empty topic id in %q", s)
		}
		return Key{TopicID: id, Shadow: true}, nil
	case strings.HasPrefix(s, livePrefix):
		id := s[len(livePrefix):]
		if id == "" {
			return Key{}, fmt.Errorf("keyspace: empty topic id in %q", s)
		}
		return Key{TopicID: id}, nil
	default:
		return Key{}, fmt.Errorf("keyspace: unrecognized key %q", s)
	}
}
