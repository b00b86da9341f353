package gocbnet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/couchbaselabs/gocbnet/memd"
)

// BytesAndError contains the raw bytes of the result of an operation, and/or the error that occurred.
type BytesAndError struct {
	Err   error
	Bytes []byte
}

// ExecHelloResponse contains the features and/or error from an ExecHello operation.
type ExecHelloResponse struct {
	SrvFeatures []memd.HelloFeature
	Err         error
}

type helloProps struct {
	MutationTokensEnabled  bool
	CollectionsEnabled     bool
	CompressionEnabled     bool
	DurationsEnabled       bool
	ClusterMapNotifEnabled bool
	UnorderedExecEnabled   bool
	SyncReplicationEnabled bool
	PreserveExpiryEnabled  bool
}

type bootstrapProps struct {
	Bucket         string
	UserAgent      string
	AuthMechanisms []AuthMechanism
	AuthHandler    authFuncHandler
	ErrMapManager  *errMapComponent
	HelloProps     helloProps
}

func clientInfoString(connID, userAgent string) string {
	agentName := "gocbnet/" + gocbnetVersionStr
	if userAgent != "" {
		agentName += " " + userAgent
	}

	return fmt.Sprintf(`{"a":%q,"i":%q}`, agentName, connID)
}

func (client *memdClient) helloFeatures(props helloProps) []memd.HelloFeature {
	var features []memd.HelloFeature

	// Send the TLS flag, which has unknown effects.
	features = append(features, memd.FeatureTLS)

	// Indicate that we understand XATTRs
	features = append(features, memd.FeatureXattr)

	// Indicates that we understand select buckets.
	features = append(features, memd.FeatureSelectBucket)

	// Extended error information, with the error map to decode it.
	features = append(features, memd.FeatureXerror)

	// Datatype is required for JSON and compressed values.
	features = append(features, memd.FeatureDatatype, memd.FeatureJSON)

	if props.MutationTokensEnabled {
		features = append(features, memd.FeatureSeqNo)
	}

	if props.CompressionEnabled {
		features = append(features, memd.FeatureSnappy)
	}

	if props.DurationsEnabled {
		features = append(features, memd.FeatureDurations)
	}

	if props.CollectionsEnabled {
		features = append(features, memd.FeatureCollections)
	}

	if props.UnorderedExecEnabled {
		features = append(features, memd.FeatureUnorderedExec)
	}

	if props.ClusterMapNotifEnabled {
		features = append(features, memd.FeatureDuplex, memd.FeatureClusterMapNotif)
	}

	if props.PreserveExpiryEnabled {
		features = append(features, memd.FeaturePreserveExpiry)
	}

	features = append(features, memd.FeatureAltRequests)

	if props.SyncReplicationEnabled {
		features = append(features, memd.FeatureSyncReplication)
	}

	return features
}

// Bootstrap performs the connection handshake: HELLO, error map, SASL and
// select bucket. The requests are pipelined, responses are awaited in order.
func (client *memdClient) Bootstrap(settings bootstrapProps, deadline time.Time) error {
	logDebugf("Fetching cluster client data")

	bucket := settings.Bucket
	features := client.helloFeatures(settings.HelloProps)
	clientInfoStr := clientInfoString(client.connID, settings.UserAgent)
	authMechanisms := settings.AuthMechanisms

	helloCh, err := client.ExecHello(clientInfoStr, features, deadline)
	if err != nil {
		logDebugf("Failed to execute HELLO (%v)", err)
		return err
	}

	errMapCh, err := client.ExecGetErrorMap(2, deadline)
	if err != nil {
		// GetErrorMap isn't integral to bootstrap succeeding
		logDebugf("Failed to execute Get error map (%v)", err)
	}

	var firstAuthMethod authFunc
	if settings.AuthHandler != nil && len(authMechanisms) > 0 {
		firstAuthMethod = settings.AuthHandler(client, deadline, authMechanisms[0])
	}

	var listMechsCh chan SaslListMechsCompleted
	// A nil auth method means no auth is needed, so there is no point listing mechanisms.
	if firstAuthMethod != nil {
		listMechsCh = make(chan SaslListMechsCompleted, 1)
		err = client.SaslListMechs(deadline, func(mechs []AuthMechanism, err error) {
			if err != nil {
				logDebugf("Failed to fetch list auth mechs (%v)", err)
			}
			listMechsCh <- SaslListMechsCompleted{
				Err:   err,
				Mechs: mechs,
			}
		})
		if err != nil {
			logDebugf("Failed to execute list auth mechs (%v)", err)
			listMechsCh = nil
		}
	}

	var completedAuthCh chan BytesAndError
	var continueAuthCh chan bool
	if firstAuthMethod != nil {
		completedAuthCh, continueAuthCh, err = firstAuthMethod()
		if err != nil {
			logDebugf("Failed to execute auth (%v)", err)
			return err
		}
	}

	var selectCh chan BytesAndError
	if continueAuthCh == nil {
		if bucket != "" {
			selectCh, err = client.ExecSelectBucket([]byte(bucket), deadline)
			if err != nil {
				logDebugf("Failed to execute select bucket (%v)", err)
				return err
			}
		}
	} else {
		selectCh = client.continueAfterAuth(bucket, continueAuthCh, deadline)
	}

	helloResp := <-helloCh
	if helloResp.Err != nil {
		logDebugf("Failed to hello with server (%v)", helloResp.Err)
		return helloResp.Err
	}

	if errMapCh != nil {
		errMapResp := <-errMapCh
		if errMapResp.Err == nil {
			if settings.ErrMapManager != nil {
				settings.ErrMapManager.StoreErrorMap(errMapResp.Bytes)
			}
		} else {
			logDebugf("Failed to fetch kv error map (%s)", errMapResp.Err)
		}
	}

	var serverAuthMechanisms []AuthMechanism
	if listMechsCh != nil {
		listMechsResp := <-listMechsCh
		if listMechsResp.Err == nil {
			serverAuthMechanisms = listMechsResp.Mechs
			logDebugf("Server supported auth mechanisms: %v", serverAuthMechanisms)
		} else {
			logDebugf("Failed to fetch auth mechs from server (%v)", listMechsResp.Err)
		}
	}

	// If completedAuthCh isn't nil then we have attempted to do auth so we need to wait on the result of that.
	if completedAuthCh != nil {
		authResp := <-completedAuthCh
		if authResp.Err != nil {
			logDebugf("Failed to perform auth against server (%v)", authResp.Err)
			if selectCh != nil {
				<-selectCh
			}

			// An explicit rejection, or no other mechanism to try, ends the bootstrap.
			if len(authMechanisms) == 1 || errors.Is(authResp.Err, ErrAuthenticationFailure) {
				return authResp.Err
			}

			for {
				var found bool
				var mech AuthMechanism
				found, mech, authMechanisms = findNextAuthMechanism(authMechanisms, serverAuthMechanisms)
				if !found {
					logDebugf("Failed to authenticate, all options exhausted")
					return authResp.Err
				}

				logDebugf("Retrying authentication with %s", mech)
				nextAuthFunc := settings.AuthHandler(client, deadline, mech)
				if nextAuthFunc == nil {
					logDebugf("Failed to authenticate, no available credentials")
					return authResp.Err
				}
				completedAuthCh, continueAuthCh, err = nextAuthFunc()
				if err != nil {
					logDebugf("Failed to execute auth (%v)", err)
					return err
				}
				selectCh = client.continueAfterAuth(bucket, continueAuthCh, deadline)
				authResp = <-completedAuthCh
				if authResp.Err == nil {
					break
				}

				logDebugf("Failed to perform auth against server (%v)", authResp.Err)
				if selectCh != nil {
					<-selectCh
				}
				if errors.Is(authResp.Err, ErrAuthenticationFailure) {
					return authResp.Err
				}
			}
		}
		logDebugf("Authenticated successfully")
	}

	if selectCh != nil {
		selectResp := <-selectCh
		if selectResp.Err != nil {
			logDebugf("Failed to perform select bucket against server (%v)", selectResp.Err)
			return selectResp.Err
		}
	}

	client.features = helloResp.SrvFeatures

	logDebugf("Client Features: %+v", features)
	logDebugf("Server Features: %+v", client.features)

	for _, feature := range client.features {
		client.conn.EnableFeature(feature)
	}

	return nil
}

func (client *memdClient) SaslAuth(k, v []byte, deadline time.Time, cb func(b []byte, err error)) error {
	return client.doBootstrapRequest(
		&memd.Packet{
			Magic:   memd.CmdMagicReq,
			Command: memd.CmdSASLAuth,
			Key:     k,
			Value:   v,
		},
		deadline,
		cb,
	)
}

func (client *memdClient) SaslStep(k, v []byte, deadline time.Time, cb func(b []byte, err error)) error {
	return client.doBootstrapRequest(
		&memd.Packet{
			Magic:   memd.CmdMagicReq,
			Command: memd.CmdSASLStep,
			Key:     k,
			Value:   v,
		},
		deadline,
		cb,
	)
}

func (client *memdClient) ExecSelectBucket(b []byte, deadline time.Time) (chan BytesAndError, error) {
	completedCh := make(chan BytesAndError, 1)
	err := client.doBootstrapRequest(
		&memd.Packet{
			Magic:   memd.CmdMagicReq,
			Command: memd.CmdSelectBucket,
			Key:     b,
		},
		deadline,
		func(b []byte, err error) {
			if err != nil {
				if errors.Is(err, ErrDocumentNotFound) || errors.Is(err, ErrAuthenticationFailure) {
					// The server answers a missing bucket with not found or access denied.
					err = wrapError(ErrBucketNotFound, err.Error())
				}
				completedCh <- BytesAndError{
					Err: err,
				}
				return
			}

			completedCh <- BytesAndError{
				Bytes: b,
			}
		},
	)
	if err != nil {
		return nil, err
	}

	return completedCh, nil
}

func (client *memdClient) ExecGetErrorMap(version uint16, deadline time.Time) (chan BytesAndError, error) {
	completedCh := make(chan BytesAndError, 1)
	valueBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(valueBuf, version)

	err := client.doBootstrapRequest(
		&memd.Packet{
			Magic:   memd.CmdMagicReq,
			Command: memd.CmdGetErrorMap,
			Value:   valueBuf,
		},
		deadline,
		func(b []byte, err error) {
			completedCh <- BytesAndError{
				Err:   err,
				Bytes: b,
			}
		},
	)
	if err != nil {
		return nil, err
	}

	return completedCh, nil
}

func (client *memdClient) SaslListMechs(deadline time.Time, cb func(mechs []AuthMechanism, err error)) error {
	return client.doBootstrapRequest(
		&memd.Packet{
			Magic:   memd.CmdMagicReq,
			Command: memd.CmdSASLListMechs,
		},
		deadline,
		func(b []byte, err error) {
			if err != nil {
				cb(nil, err)
				return
			}

			var authMechs []AuthMechanism
			for _, mech := range strings.Fields(string(b)) {
				authMechs = append(authMechs, AuthMechanism(mech))
			}

			cb(authMechs, nil)
		},
	)
}

func (client *memdClient) ExecHello(clientID string, features []memd.HelloFeature, deadline time.Time) (chan ExecHelloResponse, error) {
	appendFeatureCode := func(bytes []byte, feature memd.HelloFeature) []byte {
		return binary.BigEndian.AppendUint16(bytes, uint16(feature))
	}

	var featureBytes []byte
	for _, feature := range features {
		featureBytes = appendFeatureCode(featureBytes, feature)
	}

	completedCh := make(chan ExecHelloResponse, 1)
	err := client.doBootstrapRequest(
		&memd.Packet{
			Magic:   memd.CmdMagicReq,
			Command: memd.CmdHello,
			Key:     []byte(clientID),
			Value:   featureBytes,
		},
		deadline,
		func(b []byte, err error) {
			if err != nil {
				completedCh <- ExecHelloResponse{
					Err: err,
				}
				return
			}

			var srvFeatures []memd.HelloFeature
			for i := 0; i+1 < len(b); i += 2 {
				feature := binary.BigEndian.Uint16(b[i:])
				srvFeatures = append(srvFeatures, memd.HelloFeature(feature))
			}

			completedCh <- ExecHelloResponse{
				SrvFeatures: srvFeatures,
			}
		},
	)
	if err != nil {
		return nil, err
	}

	return completedCh, nil
}

// ExecGetClusterConfig fetches the cluster map from the connected node.
func (client *memdClient) ExecGetClusterConfig(deadline time.Time) (chan BytesAndError, error) {
	completedCh := make(chan BytesAndError, 1)
	err := client.doBootstrapRequest(
		&memd.Packet{
			Magic:   memd.CmdMagicReq,
			Command: memd.CmdGetClusterConfig,
		},
		deadline,
		func(b []byte, err error) {
			completedCh <- BytesAndError{
				Err:   err,
				Bytes: b,
			}
		},
	)
	if err != nil {
		return nil, err
	}

	return completedCh, nil
}

func (client *memdClient) doBootstrapRequest(req *memd.Packet, deadline time.Time, cb func(b []byte, err error)) error {
	signal := make(chan BytesAndError, 1)
	qreq := &memdQRequest{
		Packet: *req,
		opKind: kvOpBootstrap,
		Callback: func(resp *memdQResponse, _ *memdQRequest, err error) {
			signalResp := BytesAndError{}
			if resp != nil {
				signalResp.Bytes = resp.Value
			}
			signalResp.Err = err
			signal <- signalResp
		},
		RetryStrategy: newFailFastRetryStrategy(),
		Deadline:      deadline,
	}

	err := client.SendRequest(qreq)
	if err != nil {
		return err
	}

	timeoutTmr := AcquireTimer(time.Until(deadline))
	go func() {
		select {
		case resp := <-signal:
			ReleaseTimer(timeoutTmr, false)
			cb(resp.Bytes, resp.Err)
			return
		case <-timeoutTmr.C:
			ReleaseTimer(timeoutTmr, true)
			qreq.internalCancel(ErrUnambiguousTimeout)
			resp := <-signal
			cb(resp.Bytes, resp.Err)
			return
		}
	}()

	return nil
}

func (client *memdClient) continueAfterAuth(bucketName string, continueAuthCh chan bool, deadline time.Time) chan BytesAndError {
	if bucketName == "" {
		return nil
	}

	selectCh := make(chan BytesAndError, 1)
	go func() {
		success := <-continueAuthCh
		if !success {
			selectCh <- BytesAndError{}
			return
		}
		execCh, err := client.ExecSelectBucket([]byte(bucketName), deadline)
		if err != nil {
			logDebugf("Failed to execute select bucket (%v)", err)
			selectCh <- BytesAndError{Err: err}
			return
		}

		execResp := <-execCh
		selectCh <- execResp
	}()

	return selectCh
}

func checkSupportsFeature(srvFeatures []memd.HelloFeature, feature memd.HelloFeature) bool {
	for _, srvFeature := range srvFeatures {
		if srvFeature == feature {
			return true
		}
	}
	return false
}

func findNextAuthMechanism(authMechanisms []AuthMechanism, serverAuthMechanisms []AuthMechanism) (bool, AuthMechanism, []AuthMechanism) {
	for {
		if len(authMechanisms) <= 1 {
			break
		}
		authMechanisms = authMechanisms[1:]
		mech := authMechanisms[0]
		for _, serverMech := range serverAuthMechanisms {
			if mech == serverMech {
				return true, mech, authMechanisms
			}
		}
	}

	return false, "", authMechanisms
}
