// Package upstream implements the pool's outward-facing clients: the
// chain API used for block scanning and payout submission, the job
// manifest source and the validator call transport.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minermesh/minerpool/payout"
	"github.com/minermesh/minerpool/settlement"
	"github.com/minermesh/minerpool/shared"
)

// ChainClient talks to the chain node's HTTP API. It implements
// settlement.BlockFetcher and payout.Submitter.
type ChainClient struct {
	BaseURL string
	Client  *http.Client
}

func NewChainClient(baseURL string) *ChainClient {
	return &ChainClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type blockDetails struct {
	Result []struct {
		Block struct {
			ID uint64 `json:"id"`
		} `json:"block"`
		Transactions []struct {
			Hash    string `json:"hash"`
			Type    string `json:"transaction_type"`
			Inputs  []struct {
				Address string `json:"address"`
			} `json:"inputs"`
			Outputs []struct {
				Address string  `json:"address"`
				Type    string  `json:"type"`
				Amount  float64 `json:"amount"`
			} `json:"outputs"`
		} `json:"transactions"`
	} `json:"result"`
}

// FetchBlocks pages block details starting at offset.
func (c *ChainClient) FetchBlocks(ctx context.Context, offset uint64, limit int) ([]settlement.Block, error) {
	u := fmt.Sprintf("%s/get_blocks_details?offset=%d&limit=%d", c.BaseURL, offset, limit)
	var details blockDetails
	if err := c.getJSON(ctx, u, &details); err != nil {
		return nil, err
	}

	blocks := make([]settlement.Block, 0, len(details.Result))
	for _, entry := range details.Result {
		block := settlement.Block{ID: entry.Block.ID}
		for _, tx := range entry.Transactions {
			out := settlement.Transaction{Hash: tx.Hash, Type: tx.Type}
			for _, in := range tx.Inputs {
				out.Inputs = append(out.Inputs, in.Address)
			}
			for _, o := range tx.Outputs {
				amount, err := shared.FromFloat(o.Amount)
				if err != nil {
					return nil, fmt.Errorf("block %d tx %s: %w", entry.Block.ID, tx.Hash, err)
				}
				out.Outputs = append(out.Outputs, settlement.TxOutput{
					Address: o.Address,
					Type:    o.Type,
					Amount:  amount,
				})
			}
			block.Transactions = append(block.Transactions, out)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// Ping reports whether the chain node answers at all.
func (c *ChainClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

type submitRequest struct {
	Wallet string  `json:"wallet_address"`
	Amount float64 `json:"amount"`
	Memo   string  `json:"memo"`
}

type submitResponse struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error"`
}

// Submit pushes one payout transaction and returns its hash. Node
// rejections are translated into the pipeline's failure classes so it
// can split or retry accordingly.
func (c *ChainClient) Submit(ctx context.Context, wallet string, amount shared.Amount, memo string) (string, error) {
	body, err := json.Marshal(submitRequest{Wallet: wallet, Amount: amount.Float64(), Memo: memo})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.BaseURL+"/push_tx", strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", classifyTransportError(err)
	}
	var reply submitResponse
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("decoding push_tx response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusRequestURITooLong,
		resp.StatusCode == http.StatusRequestEntityTooLarge:
		return "", payout.ErrRequestTooLarge
	case resp.StatusCode >= http.StatusInternalServerError:
		return "", payout.ErrUnreachable
	case resp.StatusCode != http.StatusOK:
		if required, ok := parseCapacityError(reply.Error); ok {
			return "", &payout.CapacityError{RequiredInputs: required}
		}
		return "", fmt.Errorf("push_tx rejected: %s", reply.Error)
	}
	if reply.TxHash == "" {
		return "", fmt.Errorf("push_tx returned no transaction hash")
	}
	return reply.TxHash, nil
}

// parseCapacityError recognizes the node's too-many-inputs rejection,
// e.g. "transaction requires 612 inputs, maximum is 255".
func parseCapacityError(message string) (int, bool) {
	var required, max int
	_, err := fmt.Sscanf(message, "transaction requires %d inputs, maximum is %d", &required, &max)
	if err != nil || required <= 0 {
		return 0, false
	}
	return required, true
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", payout.ErrUnreachable, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", payout.ErrUnreachable, err)
	}
	return err
}

func (c *ChainClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
