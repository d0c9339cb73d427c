package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	zlog "github.com/rs/zerolog/log"
)

// JetStreamConfig 는 NATS 연결과 stream 설정.
type JetStreamConfig struct {
	URL    string
	Name   string // connection name
	Stream string

	// SubjectPrefix.<n> 형태로 Partitions 개의 subject 를 사용한다.
	SubjectPrefix string
	Partitions    int

	// MaxAge 는 stream 보존 기간. Duplicates 는 Nats-Msg-Id 중복 제거 window.
	MaxAge     time.Duration
	Duplicates time.Duration
}

// JetStream 은 NATS JetStream 위의 partitioned log.
type JetStream struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  JetStreamConfig
}

// NewJetStream 은 NATS 에 연결하고 stream 을 생성(또는 갱신)한다.
func NewJetStream(ctx context.Context, cfg JetStreamConfig) (*JetStream, error) {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.Duplicates <= 0 {
		cfg.Duplicates = 2 * time.Minute
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				zlog.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			zlog.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.SubjectPrefix + ".*"},
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.Duplicates,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create/update stream %s: %w", cfg.Stream, err)
	}

	return &JetStream{conn: conn, js: js, cfg: cfg}, nil
}

// Publish 는 msg.Key 의 partition subject 로 발행하고 ack 를 기다린다.
func (j *JetStream) Publish(ctx context.Context, msg Message) error {
	nm := toNatsMsg(j.cfg.SubjectPrefix, j.cfg.Partitions, msg)

	var opts []jetstream.PublishOpt
	if msg.ID != "" {
		opts = append(opts, jetstream.WithMsgID(msg.ID))
	}

	if _, err := j.js.PublishMsg(ctx, nm, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", nm.Subject, err)
	}
	return nil
}

// toNatsMsg 는 Message 를 partition subject + header 가 채워진 nats.Msg 로 만든다.
func toNatsMsg(prefix string, partitions int, msg Message) *nats.Msg {
	nm := &nats.Msg{
		Subject: Subject(prefix, Partition(msg.Key, partitions)),
		Data:    msg.Data,
		Header:  nats.Header{},
	}
	for k, v := range msg.Headers {
		nm.Header.Set(k, v)
	}
	if msg.ID != "" {
		nm.Header.Set(HeaderMsgID, msg.ID)
	}
	return nm
}

func (j *JetStream) Healthy(ctx context.Context) error {
	if !j.conn.IsConnected() {
		return errors.New("nats not connected: " + j.conn.Status().String())
	}
	if _, err := j.js.Stream(ctx, j.cfg.Stream); err != nil {
		return fmt.Errorf("stream %s: %w", j.cfg.Stream, err)
	}
	return nil
}

// Close 는 대기 중인 publish 를 마무리하고 연결을 닫는다.
func (j *JetStream) Close() error {
	if err := j.conn.Drain(); err != nil {
		j.conn.Close()
		return err
	}
	return nil
}

// PartitionSubjects 는 stream 이 사용하는 전체 subject 목록 (운영 로그용).
func (j *JetStream) PartitionSubjects() []string {
	return Subjects(j.cfg.SubjectPrefix, j.cfg.Partitions)
}
