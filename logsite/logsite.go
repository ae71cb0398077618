// Package logsite provides the ambient logging consumer shared by every
// core component, mirroring pwr.StateConsumer's callback-field shape but
// built on eventbus.Site so a presentation collaborator (text console,
// windowed display) can subscribe without the core depending on either.
package logsite

import (
	"fmt"

	"github.com/simutrans/syncback/eventbus"
)

// Level tags a log message's severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warning"
)

// Message is one log event published on a Consumer.
type Message struct {
	Level Level
	Text  string
}

// Consumer is the ambient logging sink threaded through fetch and
// syncrun. A nil *Consumer is valid and simply drops every message.
type Consumer struct {
	Messages eventbus.Site[Message]
}

func (c *Consumer) publish(level Level, text string) {
	if c == nil {
		return
	}
	c.Messages.Notify(Message{Level: level, Text: text})
}

func (c *Consumer) Debug(msg string) { c.publish(LevelDebug, msg) }

func (c *Consumer) Debugf(format string, args ...interface{}) {
	c.publish(LevelDebug, fmt.Sprintf(format, args...))
}

func (c *Consumer) Info(msg string) { c.publish(LevelInfo, msg) }

func (c *Consumer) Infof(format string, args ...interface{}) {
	c.publish(LevelInfo, fmt.Sprintf(format, args...))
}

func (c *Consumer) Warn(msg string) { c.publish(LevelWarn, msg) }

func (c *Consumer) Warnf(format string, args ...interface{}) {
	c.publish(LevelWarn, fmt.Sprintf(format, args...))
}
