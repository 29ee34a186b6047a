// Package fabric connects the ledger client to a Hyperledger Fabric Gateway peer.
package fabric

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/hash"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/c360/sensorledger/errors"
	"github.com/c360/sensorledger/ledger"
	"github.com/c360/sensorledger/pkg/tlsutil"
)

// Timeouts are the per-phase deadlines applied to every call.
type Timeouts struct {
	Evaluate     time.Duration `mapstructure:"evaluate"`
	Endorse      time.Duration `mapstructure:"endorse"`
	Submit       time.Duration `mapstructure:"submit"`
	CommitStatus time.Duration `mapstructure:"commit_status"`
	Dial         time.Duration `mapstructure:"dial"`
}

// DefaultTimeouts returns the gateway's standard deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Evaluate:     5 * time.Second,
		Endorse:      15 * time.Second,
		Submit:       5 * time.Second,
		CommitStatus: time.Minute,
		Dial:         10 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Evaluate <= 0 {
		t.Evaluate = d.Evaluate
	}
	if t.Endorse <= 0 {
		t.Endorse = d.Endorse
	}
	if t.Submit <= 0 {
		t.Submit = d.Submit
	}
	if t.CommitStatus <= 0 {
		t.CommitStatus = d.CommitStatus
	}
	if t.Dial <= 0 {
		t.Dial = d.Dial
	}
	return t
}

// Config describes the peer, identity and contract binding.
type Config struct {
	PeerEndpoint  string   `mapstructure:"peer_endpoint"`
	PeerHostAlias string   `mapstructure:"peer_host_alias"`
	MSPID         string   `mapstructure:"msp_id"`
	CertDir       string   `mapstructure:"cert_dir"`
	KeyDir        string   `mapstructure:"key_dir"`
	TLSCertPath   string   `mapstructure:"tls_cert_path"`
	Channel       string   `mapstructure:"channel"`
	Chaincode     string   `mapstructure:"chaincode"`
	Timeouts      Timeouts `mapstructure:"timeouts"`
}

// Validate checks that every required field is set.
func (c Config) Validate() error {
	missing := func(name string) error {
		return errors.WrapFatal(errors.ErrMissingConfig, "fabric", "Validate", name)
	}
	switch {
	case c.PeerEndpoint == "":
		return missing("peer_endpoint")
	case c.MSPID == "":
		return missing("msp_id")
	case c.CertDir == "":
		return missing("cert_dir")
	case c.KeyDir == "":
		return missing("key_dir")
	case c.TLSCertPath == "":
		return missing("tls_cert_path")
	case c.Channel == "":
		return missing("channel")
	case c.Chaincode == "":
		return missing("chaincode")
	}
	return nil
}

// ConfigFromCryptoPath fills the credential paths from a standard
// organization crypto directory (users/<user>/msp/{signcerts,keystore} and
// peers/<peer>/tls/ca.crt).
func ConfigFromCryptoPath(cfg Config, cryptoPath, user, peer string) Config {
	if cryptoPath == "" {
		return cfg
	}
	msp := filepath.Join(cryptoPath, "users", user, "msp")
	if cfg.CertDir == "" {
		cfg.CertDir = filepath.Join(msp, "signcerts")
	}
	if cfg.KeyDir == "" {
		cfg.KeyDir = filepath.Join(msp, "keystore")
	}
	if cfg.TLSCertPath == "" {
		cfg.TLSCertPath = filepath.Join(cryptoPath, "peers", peer, "tls", "ca.crt")
	}
	return cfg
}

// Connector opens gateway sessions for one channel and chaincode.
type Connector struct {
	cfg    Config
	logger *slog.Logger
}

// NewConnector validates cfg and returns a connector.
func NewConnector(cfg Config, logger *slog.Logger) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default().With("component", "fabric")
	}
	cfg.Timeouts = cfg.Timeouts.withDefaults()
	return &Connector{cfg: cfg, logger: logger}, nil
}

// Connect loads credentials, dials the peer and binds the contract.
// Credential failures are identity errors; transport failures are connection errors.
func (c *Connector) Connect(ctx context.Context) (ledger.Session, error) {
	id, sign, err := loadIdentity(c.cfg)
	if err != nil {
		return nil, ledger.NewError(ledger.KindIdentity, "", ledger.PhaseConnect, err)
	}

	tlsCfg, err := tlsutil.ClientConfig(c.cfg.TLSCertPath, c.cfg.PeerHostAlias)
	if err != nil {
		return nil, ledger.NewError(ledger.KindConnection, "", ledger.PhaseConnect, err)
	}

	conn, err := grpc.NewClient(c.cfg.PeerEndpoint, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	if err != nil {
		return nil, ledger.NewError(ledger.KindConnection, "", ledger.PhaseConnect, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.Dial)
	defer cancel()
	if err := waitReady(dialCtx, conn); err != nil {
		_ = conn.Close()
		return nil, ledger.NewError(ledger.KindConnection, "", ledger.PhaseConnect,
			fmt.Errorf("peer %s: %w", c.cfg.PeerEndpoint, err))
	}

	t := c.cfg.Timeouts
	gw, err := client.Connect(id,
		client.WithSign(sign),
		client.WithHash(hash.SHA256),
		client.WithClientConnection(conn),
		client.WithEvaluateTimeout(t.Evaluate),
		client.WithEndorseTimeout(t.Endorse),
		client.WithSubmitTimeout(t.Submit),
		client.WithCommitStatusTimeout(t.CommitStatus),
	)
	if err != nil {
		_ = conn.Close()
		return nil, ledger.NewError(ledger.KindConnection, "", ledger.PhaseConnect, err)
	}

	c.logger.Info("Connected to ledger gateway",
		"peer", c.cfg.PeerEndpoint, "msp", c.cfg.MSPID,
		"channel", c.cfg.Channel, "chaincode", c.cfg.Chaincode)

	return &session{
		conn:     conn,
		gateway:  gw,
		contract: gw.GetNetwork(c.cfg.Channel).GetContract(c.cfg.Chaincode),
		timeouts: t,
	}, nil
}

func loadIdentity(cfg Config) (*identity.X509Identity, identity.Sign, error) {
	certPEM, certPath, err := tlsutil.ReadSingleFile(cfg.CertDir)
	if err != nil {
		return nil, nil, err
	}
	cert, err := identity.CertificateFromPEM(certPEM)
	if err != nil {
		return nil, nil, errors.WrapFatal(err, "fabric", "loadIdentity", "parse certificate "+certPath)
	}
	id, err := identity.NewX509Identity(cfg.MSPID, cert)
	if err != nil {
		return nil, nil, errors.WrapFatal(err, "fabric", "loadIdentity", "build identity")
	}

	keyPEM, keyPath, err := tlsutil.ReadSingleFile(cfg.KeyDir)
	if err != nil {
		return nil, nil, err
	}
	key, err := identity.PrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, nil, errors.WrapFatal(err, "fabric", "loadIdentity", "parse private key "+keyPath)
	}
	sign, err := identity.NewPrivateKeySign(key)
	if err != nil {
		return nil, nil, errors.WrapFatal(err, "fabric", "loadIdentity", "build signer")
	}
	return id, sign, nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return stderrors.New("connection shut down")
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("not ready (last state %s): %w", state, ctx.Err())
		}
	}
}

type session struct {
	conn     *grpc.ClientConn
	gateway  *client.Gateway
	contract *client.Contract
	timeouts Timeouts
}

// Submit runs endorse, submit and commit-status with their own deadlines.
func (s *session) Submit(ctx context.Context, name string, args ...string) ([]byte, error) {
	proposal, err := s.contract.NewProposal(name, client.WithArguments(args...))
	if err != nil {
		return nil, ledger.NewError(ledger.KindEndorsement, name, ledger.PhaseEndorse, err)
	}

	endorseCtx, cancel := context.WithTimeout(ctx, s.timeouts.Endorse)
	tx, err := proposal.EndorseWithContext(endorseCtx)
	cancel()
	if err != nil {
		return nil, classify(name, ledger.PhaseEndorse, ledger.KindEndorsement, err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.timeouts.Submit)
	commit, err := tx.SubmitWithContext(submitCtx)
	cancel()
	if err != nil {
		e := classify(name, ledger.PhaseSubmit, ledger.KindCommit, err)
		e.TxID = tx.TransactionID()
		return nil, e
	}

	statusCtx, cancel := context.WithTimeout(ctx, s.timeouts.CommitStatus)
	st, err := commit.StatusWithContext(statusCtx)
	cancel()
	if err != nil {
		e := classify(name, ledger.PhaseCommitStatus, ledger.KindCommit, err)
		e.TxID = tx.TransactionID()
		return nil, e
	}
	if !st.Successful {
		e := ledger.NewError(ledger.KindCommit, name, ledger.PhaseCommitStatus,
			fmt.Errorf("transaction %s failed validation: %s", st.TransactionID, st.Code.String()))
		e.TxID = st.TransactionID
		e.Code = int32(st.Code)
		return nil, e
	}

	return tx.Result(), nil
}

// Evaluate runs a query against a single peer.
func (s *session) Evaluate(ctx context.Context, name string, args ...string) ([]byte, error) {
	proposal, err := s.contract.NewProposal(name, client.WithArguments(args...))
	if err != nil {
		return nil, ledger.NewError(ledger.KindEndorsement, name, ledger.PhaseEvaluate, err)
	}

	evalCtx, cancel := context.WithTimeout(ctx, s.timeouts.Evaluate)
	defer cancel()
	result, err := proposal.EvaluateWithContext(evalCtx)
	if err != nil {
		return nil, classify(name, ledger.PhaseEvaluate, ledger.KindEndorsement, err)
	}
	return result, nil
}

func (s *session) Close() error {
	gwErr := s.gateway.Close()
	connErr := s.conn.Close()
	return stderrors.Join(gwErr, connErr)
}

// classify maps a gateway or gRPC failure to a ledger error kind. fallback
// is used for application-level rejections in the given phase.
func classify(name, phase string, fallback ledger.Kind, err error) *ledger.Error {
	kind := fallback

	var commitErr *client.CommitError
	if stderrors.As(err, &commitErr) {
		e := ledger.NewError(ledger.KindCommit, name, phase, err)
		e.TxID = commitErr.TransactionID
		e.Code = int32(commitErr.Code)
		return e
	}

	switch status.Code(err) {
	case codes.DeadlineExceeded:
		kind = ledger.KindTimeout
	case codes.Canceled:
		if stderrors.Is(err, context.DeadlineExceeded) {
			kind = ledger.KindTimeout
		}
	case codes.Unavailable:
		kind = ledger.KindConnection
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		kind = ledger.KindTimeout
	}
	return ledger.NewError(kind, name, phase, err)
}
