// Package mqtt publishes messages to an MQTT broker as a reaction.
package mqtt

import (
	"context"
	"fmt"
	"strings"

	"github.com/p-blackswan/area/internal/connector"
	perrors "github.com/p-blackswan/area/internal/errors"
)

// ServiceID is the catalog id of the MQTT service.
const ServiceID = "mqtt"

// Connector implements connector.Executable over a Publisher.
type Connector struct {
	pub Publisher
}

// New creates an MQTT connector.
func New(pub Publisher) *Connector {
	return &Connector{pub: pub}
}

func (c *Connector) Service() string { return ServiceID }

// Execute publishes the payload to the topic.
func (c *Connector) Execute(ctx context.Context, req connector.ExecuteRequest) (connector.Outcome, error) {
	if connector.ComponentName(req.Component) != "publish" {
		return connector.Outcome{}, connector.UnsupportedComponent(ServiceID, req.Component)
	}
	topic, err := connector.Require(req.Params, "topic")
	if err != nil {
		return connector.Rejected(err)
	}
	if strings.ContainsAny(topic, "+#") {
		return connector.Failed("topic %q must not contain wildcards", topic), nil
	}
	qos, err := connector.IntParam(req.Params, "qos", 0)
	if err != nil {
		return connector.Rejected(err)
	}
	if qos < 0 || qos > 2 {
		return connector.Rejected(perrors.Validationf("qos must be 0, 1 or 2, got %d", qos))
	}
	retain, err := connector.BoolParam(req.Params, "retain", false)
	if err != nil {
		return connector.Rejected(err)
	}

	payload := req.Params["payload"]
	if err := c.pub.Publish(ctx, topic, byte(qos), retain, []byte(payload)); err != nil {
		return connector.Outcome{}, fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return connector.Succeeded(
		fmt.Sprintf("published %d bytes to %s", len(payload), topic),
		map[string]any{"topic": topic, "qos": qos, "retain": retain},
	), nil
}
