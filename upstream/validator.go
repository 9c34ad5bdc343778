package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/minermesh/minerpool/consensus"
)

// ValidatorClient speaks the validation protocol with validator peers
// over newline-delimited JSON. It implements consensus.PeerClient.
type ValidatorClient struct {
	dial func(ctx context.Context, endpoint string) (net.Conn, error)
}

func NewValidatorClient() *ValidatorClient {
	dialer := &net.Dialer{}
	return &ValidatorClient{
		dial: func(ctx context.Context, endpoint string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", endpoint)
		},
	}
}

type validationRequest struct {
	Type       string `json:"type"`
	ArtifactID string `json:"artifact_id"`
}

type validationReply struct {
	Endorsed bool   `json:"endorsed"`
	Wallet   string `json:"wallet_address"`
}

// RequestValidation offers the artifact to one peer and waits for its
// verdict. A declined offer returns (nil, nil).
func (c *ValidatorClient) RequestValidation(
	ctx context.Context,
	peer consensus.ValidatorPeer,
	artifactID string,
) (*consensus.Endorsement, error) {
	conn, err := c.dial(ctx, peer.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("dialing validator %s: %w", peer.Wallet, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	} else {
		_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	frame, err := json.Marshal(validationRequest{Type: "validateModel", ArtifactID: artifactID})
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(frame, '\n')); err != nil {
		return nil, fmt.Errorf("sending validation request to %s: %w", peer.Wallet, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading validation reply from %s: %w", peer.Wallet, err)
	}
	var reply validationReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return nil, fmt.Errorf("decoding validation reply from %s: %w", peer.Wallet, err)
	}
	if !reply.Endorsed {
		return nil, nil
	}
	wallet := reply.Wallet
	if wallet == "" {
		wallet = peer.Wallet
	}
	return &consensus.Endorsement{ArtifactID: artifactID, ValidatorWallet: wallet}, nil
}
