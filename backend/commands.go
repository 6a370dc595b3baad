// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"fmt"
)

// NodeInfo is the replicated address book entry of a cluster node.
type NodeInfo struct {
	NodeID   string `json:"nodeId"`
	RaftAddr string `json:"raftAddr"`
	HTTPAddr string `json:"httpAddr"`
}

// Command is a single wallet mutation. Everything non-deterministic (IDs,
// timestamps) is filled in before the command is applied, so the same
// command always produces the same wallet, whether it is applied locally
// or replayed from the Raft log.
type Command struct {
	Type              string             `json:"type"`
	Owner             string             `json:"owner,omitempty"`
	CardID            string             `json:"cardId,omitempty"`
	TransactionID     string             `json:"transactionId,omitempty"`
	Card              *Card              `json:"card,omitempty"`
	CardUpdate        *CardUpdate        `json:"cardUpdate,omitempty"`
	Transaction       *Transaction       `json:"transaction,omitempty"`
	TransactionUpdate *TransactionUpdate `json:"transactionUpdate,omitempty"`
	Cards             []Card             `json:"cards,omitempty"`
	Node              *NodeInfo          `json:"node,omitempty"`
	At                int64              `json:"at"`
}

// IsWalletCommand reports whether the command mutates a wallet.
func (cmd Command) IsWalletCommand() bool {
	return cmd.Type != CmdRegisterNode
}

// Apply applies cmd to the wallet. On error the wallet is left unchanged.
func (w *Wallet) Apply(cmd Command) error {
	if cmd.Owner != w.Owner {
		return fmt.Errorf("command for %q applied to wallet of %q", maskEmail(cmd.Owner), maskEmail(w.Owner))
	}
	var err error
	switch cmd.Type {
	case CmdAddCard:
		if cmd.Card == nil {
			return fmt.Errorf("%s: missing card", cmd.Type)
		}
		err = w.addCard(*cmd.Card)
	case CmdUpdateCard:
		if cmd.CardUpdate == nil {
			return fmt.Errorf("%s: missing update", cmd.Type)
		}
		err = w.updateCard(cmd.CardID, *cmd.CardUpdate)
	case CmdArchiveCard:
		err = w.setArchived(cmd.CardID, true)
	case CmdUnarchiveCard:
		err = w.setArchived(cmd.CardID, false)
	case CmdDeleteCard:
		err = w.deleteCard(cmd.CardID)
	case CmdAddTransaction:
		if cmd.Transaction == nil {
			return fmt.Errorf("%s: missing transaction", cmd.Type)
		}
		err = w.addTransaction(*cmd.Transaction)
	case CmdUpdateTransaction:
		if cmd.TransactionUpdate == nil {
			return fmt.Errorf("%s: missing update", cmd.Type)
		}
		err = w.updateTransaction(cmd.CardID, cmd.TransactionID, *cmd.TransactionUpdate)
	case CmdDeleteTransaction:
		err = w.deleteTransaction(cmd.CardID, cmd.TransactionID)
	case CmdImportCards:
		if len(w.Cards)+len(cmd.Cards) > MaxCardsPerWallet {
			return fmt.Errorf("import would exceed %d cards: %w", MaxCardsPerWallet, ErrLimitExceeded)
		}
		if err := checkUniqueIDs(cmd.Cards); err != nil {
			return err
		}
		for _, c := range cmd.Cards {
			if w.Card(c.ID) != nil {
				return fmt.Errorf("card %s: %w", c.ID, ErrConflict)
			}
		}
		for _, c := range cmd.Cards {
			if err := w.addCard(c); err != nil {
				return err
			}
		}
	case CmdReplaceCards:
		if len(cmd.Cards) > MaxCardsPerWallet {
			return fmt.Errorf("replace would exceed %d cards: %w", MaxCardsPerWallet, ErrLimitExceeded)
		}
		if err := checkUniqueIDs(cmd.Cards); err != nil {
			return err
		}
		w.replaceAll(cmd.Cards)
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
	if err != nil {
		return err
	}
	w.UpdatedAt = cmd.At
	return nil
}

func checkUniqueIDs(cards []Card) error {
	seen := make(map[string]bool, len(cards))
	for _, c := range cards {
		if seen[c.ID] {
			return fmt.Errorf("duplicate card %s: %w", c.ID, ErrConflict)
		}
		seen[c.ID] = true
	}
	return nil
}
