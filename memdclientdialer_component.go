package gocbnet

import (
	"context"
	"crypto/tls"
	"time"
)

type memdConnDialFn func(ctx context.Context, address string, tlsConfig *tls.Config, deadline time.Time) (memdConn, error)

type memdClientDialerProps struct {
	KVConnectTimeout     time.Duration
	ClientID             string
	MaxOutstanding       int
	CompressionMinSize   int
	CompressionMinRatio  float64
	DisableDecompression bool
}

// memdClientDialerComponent produces fully bootstrapped clients for pipelines.
type memdClientDialerComponent struct {
	kvConnectTimeout time.Duration
	clientProps      memdClientProps
	bootstrapProps   bootstrapProps
	tlsConfig        *tls.Config

	tracer           *tracerComponent
	orphanReporter   *orphanReporterComponent
	tombstones       *memdOpTombstoneStore
	clusterMapNotify clusterMapChangeHandler

	dialFn memdConnDialFn
}

func newMemdClientDialerComponent(props memdClientDialerProps, bSettings bootstrapProps, tlsConfig *tls.Config,
	tracer *tracerComponent, orphanReporter *orphanReporterComponent, tombstones *memdOpTombstoneStore) *memdClientDialerComponent {
	return &memdClientDialerComponent{
		kvConnectTimeout: props.KVConnectTimeout,
		clientProps: memdClientProps{
			ClientID:             props.ClientID,
			MaxOutstanding:       props.MaxOutstanding,
			CompressionMinSize:   props.CompressionMinSize,
			CompressionMinRatio:  props.CompressionMinRatio,
			DisableDecompression: props.DisableDecompression,
		},
		bootstrapProps: bSettings,
		tlsConfig:      tlsConfig,
		tracer:         tracer,
		orphanReporter: orphanReporter,
		tombstones:     tombstones,
		dialFn:         dialMemdConn,
	}
}

// SetClusterMapChangeHandler registers the receiver for server pushed config
// notifications on every client dialed from now on.
func (mcc *memdClientDialerComponent) SetClusterMapChangeHandler(handler clusterMapChangeHandler) {
	mcc.clusterMapNotify = handler
}

// SlowDialMemdClient dials and bootstraps a client. cancelSig aborts a dial
// which is still in progress.
func (mcc *memdClientDialerComponent) SlowDialMemdClient(cancelSig <-chan struct{}, address string,
	postCompleteHandler postCompleteErrorHandler) (*memdClient, error) {
	deadline := time.Now().Add(mcc.kvConnectTimeout)

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	go func() {
		select {
		case <-cancelSig:
			cancel()
		case <-ctx.Done():
		}
	}()

	logDebugf("Dialing %s", address)
	conn, err := mcc.dialFn(ctx, address, mcc.tlsConfig, deadline)
	if err != nil {
		logDebugf("Failed to connect to %s (%v)", address, err)
		return nil, err
	}

	clientProps := mcc.clientProps
	clientProps.ClusterMapNotify = mcc.clusterMapNotify
	client := newMemdClient(clientProps, conn, postCompleteHandler, mcc.tracer, mcc.orphanReporter, mcc.tombstones)

	// Closing the connection unblocks the handshake when the dial is cancelled.
	bootstrapDone := make(chan struct{})
	go func() {
		select {
		case <-cancelSig:
			if closeErr := client.Close(); closeErr != nil {
				logDebugf("Failed to close cancelled client (%v)", closeErr)
			}
		case <-bootstrapDone:
		}
	}()

	err = client.Bootstrap(mcc.bootstrapProps, deadline)
	close(bootstrapDone)
	if err != nil {
		logDebugf("Failed to bootstrap %s (%v)", address, err)
		if closeErr := client.Close(); closeErr != nil {
			logDebugf("Failed to close client after bootstrap failure (%v)", closeErr)
		}
		<-client.CloseNotify()
		return nil, err
	}

	logDebugf("Successfully connected %s as %s", address, client.ConnID())
	return client, nil
}
