package logsite_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/simutrans/syncback/logsite"
)

func TestConsumerPublishesTaggedMessages(t *testing.T) {
	var c logsite.Consumer
	var got []logsite.Message
	c.Messages.Subscribe(func(m logsite.Message) { got = append(got, m) })

	c.Debugf("count=%d", 3)
	c.Infof("hello %s", "world")
	c.Warn("careful")

	assert.Equal(t, []logsite.Message{
		{Level: logsite.LevelDebug, Text: "count=3"},
		{Level: logsite.LevelInfo, Text: "hello world"},
		{Level: logsite.LevelWarn, Text: "careful"},
	}, got)
}

func TestNilConsumerDropsMessages(t *testing.T) {
	var c *logsite.Consumer
	assert.NotPanics(t, func() {
		c.Infof("no one is listening")
	})
}
