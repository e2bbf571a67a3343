package kaspad

import (
	"context"
	"fmt"

	"git.gammaspectra.live/P2Pool/kaspa-miner/client"
	"git.gammaspectra.live/P2Pool/kaspa-miner/pow"
	"git.gammaspectra.live/P2Pool/kaspa-miner/report"
)

type GetInfoResult struct {
	P2pId         string `json:"p2pId"`
	MempoolSize   uint64 `json:"mempoolSize"`
	ServerVersion string `json:"serverVersion"`
	IsUtxoIndexed bool   `json:"isUtxoIndexed"`
	IsSynced      bool   `json:"isSynced"`
}

func (c *Client) GetInfo(ctx context.Context) (*GetInfoResult, error) {
	result := &GetInfoResult{}
	if err := c.call(ctx, "getInfo", nil, result); err != nil {
		return nil, err
	}
	return result, nil
}

type GetBlockDagInfoResult struct {
	NetworkName     string   `json:"networkName"`
	BlockCount      uint64   `json:"blockCount"`
	HeaderCount     uint64   `json:"headerCount"`
	TipHashes       []string `json:"tipHashes"`
	Difficulty      float64  `json:"difficulty"`
	PastMedianTime  int64    `json:"pastMedianTime"`
	VirtualDaaScore uint64   `json:"virtualDaaScore"`
}

func (c *Client) GetBlockDagInfo(ctx context.Context) (*GetBlockDagInfoResult, error) {
	result := &GetBlockDagInfoResult{}
	if err := c.call(ctx, "getBlockDagInfo", nil, result); err != nil {
		return nil, err
	}
	return result, nil
}

type getBlockTemplateParams struct {
	PayAddress string `json:"payAddress"`
	ExtraData  string `json:"extraData,omitempty"`
}

type GetBlockTemplateResult struct {
	Block    *pow.Block `json:"block"`
	IsSynced bool       `json:"isSynced"`
}

// GetBlockTemplate returns the template along with client.ErrNodeNotSynced when the
// node reports it is still syncing, so callers can decide whether to mine it.
func (c *Client) GetBlockTemplate(ctx context.Context, payAddress, extraData string) (*GetBlockTemplateResult, error) {
	result := &GetBlockTemplateResult{}
	if err := c.call(ctx, "getBlockTemplate", &getBlockTemplateParams{PayAddress: payAddress, ExtraData: extraData}, result); err != nil {
		return nil, err
	}
	if result.Block == nil {
		return nil, fmt.Errorf("getBlockTemplate: no block and no error")
	}
	if !result.IsSynced {
		return result, client.ErrNodeNotSynced
	}
	return result, nil
}

const (
	SubmitReportSuccess = "success"
	SubmitReportReject  = "reject"
)

type submitBlockParams struct {
	Block             *pow.Block `json:"block"`
	AllowNonDAABlocks bool       `json:"allowNonDAABlocks"`
}

type SubmitBlockResult struct {
	Report       string `json:"report"`
	RejectReason string `json:"rejectReason,omitempty"`
}

// SubmitBlock returns a *client.RejectedError when the node refuses the block.
func (c *Client) SubmitBlock(ctx context.Context, block *pow.Block) error {
	result := &SubmitBlockResult{}
	if err := c.call(ctx, "submitBlock", &submitBlockParams{Block: block}, result); err != nil {
		return err
	}
	if result.Report != SubmitReportSuccess {
		reason := result.RejectReason
		if reason == "" {
			reason = result.Report
		}
		return client.Rejected(0, reason)
	}
	return nil
}

// Submit implements report.Submitter for node templates.
func (c *Client) Submit(ctx context.Context, s report.Submission) error {
	if s.Template == nil {
		return fmt.Errorf("submission without template")
	}
	block := s.Template.SolvedBlock(s.Nonce)
	if block == nil {
		return fmt.Errorf("job %s is not a node template", s.Template.JobId)
	}
	return c.SubmitBlock(ctx, block)
}
