package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agentmarket/negotiator/internal/runtime"
	"agentmarket/negotiator/internal/store"
)

const requestTimeout = 10 * time.Second

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <dealId>",
		Short: "Print a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			d, err := st.GetDeal(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "deal status")
			fmt.Fprintf(out, "  id:     %s\n", d.ID)
			fmt.Fprintf(out, "  room:   %s\n", d.RoomID)
			fmt.Fprintf(out, "  buyer:  %s\n", d.BuyerAgentID)
			fmt.Fprintf(out, "  seller: %s\n", d.SellerAgentID)
			fmt.Fprintf(out, "  price:  %.2f\n", d.Price)
			fmt.Fprintf(out, "  status: %s\n", d.Status)
			if d.FailureReason != "" {
				fmt.Fprintf(out, "  reason: %s\n", d.FailureReason)
			}
			if d.Consensus != nil {
				fmt.Fprintf(out, "  consensus: %d/%d approved (threshold %.2f)\n",
					d.Consensus.ApprovalCount, d.Consensus.VerifierCount, d.Consensus.Threshold)
			}
			if d.TxHash != "" {
				fmt.Fprintf(out, "  tx: %s (block %d)\n", d.TxHash, d.BlockNumber)
			}
			return nil
		},
	}
}

func newSpawnCmd() *cobra.Command {
	var req runtime.SpawnRequest
	cmd := &cobra.Command{
		Use:   "spawn <roomId>",
		Short: "Spawn an agent in a room of the running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := daemonURL(cmd)
			if err != nil {
				return err
			}
			body, err := json.Marshal(req)
			if err != nil {
				return err
			}
			raw, err := call(cmd.Context(), http.MethodPost, base+"/v1/rooms/"+args[0]+"/agents", body)
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, raw, "", "  "); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Name, "name", "", "display name")
	f.StringVar(&req.Role, "role", "", "buyer or seller")
	f.StringVar(&req.Strategy, "strategy", "competitive", "competitive, patient, aggressive, conservative or sniper")
	f.StringVar(&req.Style, "style", "", "communication style")
	f.Float64Var(&req.MinPrice, "min", 0, "minimum price (required for sellers)")
	f.Float64Var(&req.MaxPrice, "max", 0, "maximum price (required for buyers)")
	f.Float64Var(&req.StartingPrice, "start", 0, "starting price")
	f.StringVar(&req.TokenID, "token", "", "token id of the asset a seller holds")
	f.StringVar(&req.AssetName, "asset-name", "", "asset display name")
	f.StringVar(&req.OwnerID, "owner", "", "owning user id")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func newRetireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retire <agentId>",
		Short: "Delete an active or negotiating agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := daemonURL(cmd)
			if err != nil {
				return err
			}
			if _, err := call(cmd.Context(), http.MethodDelete, base+"/v1/agents/"+args[0], nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retired %s\n", args[0])
			return nil
		},
	}
}

func daemonURL(cmd *cobra.Command) (string, error) {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return "", err
		}
		addr = cfg.Gateway.Listen
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/"), nil
}

func call(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
