package query

import (
	"DerivLedger/internal/derivative"
	"DerivLedger/internal/registry"
)

// TickerResponse describes one derivative hash: its terms, pair, supply,
// escrow and the economics cached at creation.
type TickerResponse struct {
	Hash         string           `json:"hash"`
	Name         string           `json:"name"`
	Derivative   derivative.Terms `json:"derivative"`
	Long         string           `json:"long"`
	Short        string           `json:"short"`
	Issued       string           `json:"issued"`
	LongSupply   string           `json:"long_supply"`
	ShortSupply  string           `json:"short_supply"`
	EscrowToken  string           `json:"escrow_token"`
	Escrowed     Amount           `json:"escrowed"`
	Cancelled    bool             `json:"cancelled"`
	Economics    *Economics       `json:"economics,omitempty"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

type Economics struct {
	Author           string `json:"author"`
	AuthorCommission uint32 `json:"author_commission"`
	BuyerMargin      string `json:"buyer_margin"`
	SellerMargin     string `json:"seller_margin"`
	IsPool           bool   `json:"is_pool"`
}

// PairPrediction is where a hash's pair deploys to.
type PairPrediction struct {
	Hash     string `json:"hash"`
	Long     string `json:"long"`
	Short    string `json:"short"`
	Deployed bool   `json:"deployed"`
}

type OracleDataResponse struct {
	Source       string `json:"source"`
	Timestamp    uint64 `json:"timestamp"`
	Value        string `json:"value"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// ProtocolResponse is the registry and spender configuration.
type ProtocolResponse struct {
	Addresses        registry.ProtocolAddresses  `json:"addresses"`
	Parameters       registry.ProtocolParameters `json:"parameters"`
	Paused           map[string]bool             `json:"paused"`
	Governor         string                      `json:"governor"`
	Whitelist        []string                    `json:"whitelist"`
	PendingWhitelist []string                    `json:"pending_whitelist,omitempty"`
	PendingSince     uint64                      `json:"pending_since,omitempty"`
	StateHash        string                      `json:"state_hash"`
	AsOfSequence     int64                       `json:"as_of_sequence"`
}

// NonceResponse is the next nonce the processor accepts from a caller.
type NonceResponse struct {
	Caller string `json:"caller"`
	Next   int64  `json:"next"`
}

// ReceiptResponse is the outcome of one logged command.
type ReceiptResponse struct {
	Sequence       int64  `json:"sequence"`
	EventType      string `json:"event_type"`
	IdempotencyKey string `json:"idempotency_key"`
	Caller         string `json:"caller"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	StateHash      string `json:"state_hash"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// SettlementLogEntry is one engine log from the projection.
type SettlementLogEntry struct {
	Sequence     int64  `json:"sequence"`
	LogIndex     int    `json:"log_index"`
	Kind         string `json:"kind"`
	Hash         string `json:"hash"`
	Account      string `json:"account"`
	Counterparty string `json:"counterparty"`
	Position     string `json:"position"`
	Token        string `json:"token"`
	Amount       string `json:"amount,omitempty"`
	Payout       string `json:"payout,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// LogFilter selects settlement logs. Zero fields do not filter.
// BeforeSequence pages backwards.
type LogFilter struct {
	Hash           string
	Account        string
	Kind           string
	BeforeSequence *int64
	Limit          int
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedTokens []UnbalancedToken `json:"unbalanced_tokens,omitempty"`
	LastLogged       int64             `json:"last_logged_sequence"`
	HeadMatches      bool              `json:"head_matches"`
}

// UnbalancedToken is a token whose projected balances do not sum to zero.
type UnbalancedToken struct {
	Token     string `json:"token"`
	Imbalance string `json:"imbalance"`
}
