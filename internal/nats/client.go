package nats

import (
	"encoding/json"
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Message is a subject-addressed payload received off the wire: a worker
// heartbeat, a tool-dispatch request/reply, or a bus envelope/broadcast
// forwarded by busgateway.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
}

// Client is a named connection into a busgateway broker. The name
// identifies this process in reconnect/disconnect logging and in the
// server's own client listing (EmbeddedServer.GetConnectedClients).
type Client struct {
	name string
	conn *nc.Conn
}

// NewClient dials url and returns a Client that reconnects indefinitely
// on a dropped connection, logging transitions under name so an operator
// watching several connected processes can tell them apart.
func NewClient(url, name string) (*Client, error) {
	opts := []nc.Option{
		nc.Name(name),
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(conn *nc.Conn, err error) {
			if err != nil {
				log.Warn().Str("client", name).Err(err).Msg("nats client disconnected")
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			log.Info().Str("client", name).Str("url", conn.ConnectedUrl()).Msg("nats client reconnected")
		}),
		nc.ClosedHandler(func(conn *nc.Conn) {
			log.Info().Str("client", name).Msg("nats client connection closed")
		}),
	}

	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", url, err)
	}

	return &Client{name: name, conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// Publish sends data on subject with no reply expected.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// Subscribe registers an asynchronous handler for subject.
func (c *Client) Subscribe(subject string, handler func(*Message)) (*nc.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nc.Msg) {
		handler(&Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Request publishes data on subject and blocks for a reply, the wire
// equivalent of a synchronous tool dispatch call.
func (c *Client) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	msg, err := c.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("request on %s: %w", subject, err)
	}
	return &Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data}, nil
}

// RequestJSON marshals req, sends it as a Request, and unmarshals the
// reply into resp.
func (c *Client) RequestJSON(subject string, req interface{}, resp interface{}, timeout time.Duration) error {
	reqData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request for %s: %w", subject, err)
	}

	msg, err := c.Request(subject, reqData, timeout)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("unmarshal reply from %s: %w", subject, err)
	}

	return nil
}

// QueueSubscribe registers handler on subject as part of queue, so only
// one member of the queue group receives each message: the wire
// equivalent of workers.Registry handing a delegation to exactly one
// worker.
func (c *Client) QueueSubscribe(subject, queue string, handler func(*Message)) (*nc.Subscription, error) {
	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nc.Msg) {
		handler(&Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("queue subscribe to %s (queue %s): %w", subject, queue, err)
	}
	return sub, nil
}

// Flush blocks until every buffered outbound message reaches the broker.
func (c *Client) Flush() error {
	if err := c.conn.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// RawConn exposes the underlying connection for callers that need
// JetStream or another API nats.go doesn't wrap here (see
// NewStreamManager).
func (c *Client) RawConn() *nc.Conn {
	return c.conn
}
