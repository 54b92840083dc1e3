package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"

	"DerivLedger/internal/derivative"
	"DerivLedger/internal/event"
	"DerivLedger/internal/registry"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

var ErrMalformedCommand = errors.New("malformed command")

// headerJSON is the envelope every wire command carries. Amounts throughout
// the wire format are base-10 strings so they survive JSON number precision.
// There is no client timestamp; the core loop stamps processing time.
type headerJSON struct {
	Key    string         `json:"idempotency_key"`
	Caller common.Address `json:"caller"`
	Nonce  int64          `json:"nonce"`
}

func (h headerJSON) header(raw []byte) (event.Header, error) {
	if h.Key == "" {
		return event.Header{}, fmt.Errorf("%w: missing idempotency_key", ErrMalformedCommand)
	}
	if h.Caller == (common.Address{}) {
		return event.Header{}, fmt.Errorf("%w: missing caller", ErrMalformedCommand)
	}
	if h.Nonce < 0 {
		return event.Header{}, fmt.Errorf("%w: negative nonce %d", ErrMalformedCommand, h.Nonce)
	}
	return event.Header{Key: h.Key, Caller: h.Caller, Nonce: h.Nonce, Raw: raw}, nil
}

func headerOf(h *event.Header) headerJSON {
	return headerJSON{Key: h.Key, Caller: h.Caller, Nonce: h.Nonce}
}

type createJSON struct {
	headerJSON
	Derivative derivative.Terms `json:"derivative"`
	Amount     string           `json:"amount"`
	Buyer      common.Address   `json:"buyer"`
	Seller     common.Address   `json:"seller"`
	Name       string           `json:"name"`
}

type mintJSON struct {
	headerJSON
	Amount string         `json:"amount"`
	Long   common.Address `json:"long"`
	Short  common.Address `json:"short"`
	Buyer  common.Address `json:"buyer"`
	Seller common.Address `json:"seller"`
}

type settleJSON struct {
	headerJSON
	Owner     common.Address   `json:"owner"`
	Positions []common.Address `json:"positions"`
	Amounts   []string         `json:"amounts"`
}

type pairJSON struct {
	Long  common.Address `json:"long"`
	Short common.Address `json:"short"`
}

type redeemJSON struct {
	headerJSON
	Pairs   []pairJSON `json:"pairs"`
	Amounts []string   `json:"amounts"`
}

type withdrawFeeJSON struct {
	headerJSON
	Token common.Address `json:"token"`
}

type oracleDataJSON struct {
	headerJSON
	DataTimestamp uint64 `json:"data_timestamp"`
	Value         string `json:"value"`
}

type thirdPartyJSON struct {
	headerJSON
	SyntheticID common.Address `json:"synthetic_id"`
	Allow       bool           `json:"allow"`
}

type proposeWhitelistJSON struct {
	headerJSON
	Whitelist []common.Address `json:"whitelist"`
}

type setGovernorJSON struct {
	headerJSON
	Governor common.Address `json:"governor"`
}

type registryUpdateJSON struct {
	headerJSON
	Action    string                      `json:"action"`
	Role      string                      `json:"role,omitempty"`
	Account   common.Address              `json:"account"`
	Addresses *registry.ProtocolAddresses `json:"addresses,omitempty"`
	Parameter string                      `json:"parameter,omitempty"`
	Value     uint64                      `json:"value,omitempty"`
	Class     string                      `json:"class,omitempty"`
}

type tokenRegisterJSON struct {
	headerJSON
	Token    common.Address `json:"token"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

type tokenMintJSON struct {
	headerJSON
	Token  common.Address `json:"token"`
	Holder common.Address `json:"holder"`
	Amount string         `json:"amount"`
}

type tokenApproveJSON struct {
	headerJSON
	Token   common.Address `json:"token"`
	Spender common.Address `json:"spender"`
	Amount  string         `json:"amount"`
}

type tokenTransferJSON struct {
	headerJSON
	Token  common.Address `json:"token"`
	To     common.Address `json:"to"`
	Amount string         `json:"amount"`
}

type positionTransferJSON struct {
	headerJSON
	Position common.Address `json:"position"`
	To       common.Address `json:"to"`
	Amount   string         `json:"amount"`
}

// ParseRawEvent decodes a NATS message into a typed command.
func ParseRawEvent(raw RawEvent, eventType string) (event.Command, error) {
	return ParseCommand(eventType, raw.Data)
}

// ParseCommand verifies and decodes the signed wire form of eventType. The
// command's caller must be the address that signed it. The returned command
// keeps data as its payload, so the log stores exactly what arrived and
// replay verifies the same signature.
func ParseCommand(eventType string, data []byte) (event.Command, error) {
	et, err := event.ParseEventType(eventType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}
	body, signer, err := openSigned(et, data)
	if err != nil {
		return nil, err
	}
	cmd, err := decodeCommand(et, message{body: body, raw: data})
	if err != nil {
		return nil, err
	}
	if cmd.Sender() != signer {
		return nil, fmt.Errorf("%w: signed by %s, caller is %s", ErrInvalidSignature, signer.Hex(), cmd.Sender().Hex())
	}
	return cmd, nil
}

// message is a command object and the wire bytes it arrived in.
type message struct {
	body []byte
	raw  []byte
}

func (m message) decode(v any, hdr *headerJSON) (event.Header, error) {
	if err := json.Unmarshal(m.body, v); err != nil {
		return event.Header{}, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}
	return hdr.header(m.raw)
}

func decodeCommand(et event.EventType, msg message) (event.Command, error) {
	switch et {
	case event.EventTypeCreateDerivative:
		var w createJSON
		h, err := msg.decode(&w, &w.headerJSON)
		if err != nil {
			return nil, err
		}
		d, err := w.Derivative.Derivative()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
		}
		amount, err := parseAmount("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		return &event.CreateDerivative{Header: h, Derivative: d, Amount: amount, Buyer: w.Buyer, Seller: w.Seller, Name: w.Name}, nil

	case event.EventTypeMintPositions:
		var w mintJSON
		h, err := msg.decode(&w, &w.headerJSON)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		return &event.MintPositions{Header: h, Amount: amount, Long: w.Long, Short: w.Short, Buyer: w.Buyer, Seller: w.Seller}, nil

	case event.EventTypeExecutePositions, event.EventTypeCancelPositions:
		var w settleJSON
		h, err := msg.decode(&w, &w.headerJSON)
		if err != nil {
			return nil, err
		}
		amounts, err := parseAmounts(w.Amounts)
		if err != nil {
			return nil, err
		}
		if et == event.EventTypeExecutePositions {
			return &event.ExecutePositions{Header: h, Owner: w.Owner, Positions: w.Positions, Amounts: amounts}, nil
		}
		return &event.CancelPositions{Header: h, Owner: w.Owner, Positions: w.Positions, Amounts: amounts}, nil

	case event.EventTypeRedeemPositions:
		var w redeemJSON
		h, err := msg.decode(&w, &w.headerJSON)
		if err != nil {
			return nil, err
		}
		amounts, err := parseAmounts(w.Amounts)
		if err != nil {
			return nil, err
		}
		pairs := make([]event.PositionPair, len(w.Pairs))
		for i, p := range w.Pairs {
			pairs[i] = event.PositionPair{Long: p.Long, Short: p.Short}
		}
		return &event.RedeemPositions{Header: h, Pairs: pairs, Amounts: amounts}, nil

	case event.EventTypeWithdrawFee:
		var w withdrawFeeJSON
		h, err := msg.decode(&w, &w.headerJSON)
		if err != nil {
			return nil, err
		}
		return &event.WithdrawFee{Header: h, Token: w.Token}, nil

	case event.EventTypeOracleData:
		var w oracleDataJSON
		h, err := msg.decode(&w, &w.headerJSON)
		if err != nil {
			return nil, err
		}
		value, err := parseAmount("value", w.Value)
		if err != nil {
			return nil, err
		}
		return &event.OracleData{Header: h, DataTimestamp: w.DataTimestamp, Value: value}, nil

	case event.EventTypeAllowThirdPartyExecution:
		var w thirdPartyJSON
		h, err := msg.decode(&w, &w.headerJSON)
		if err != nil {
			return nil, err
		}
		return &event.AllowThirdPartyExecution{Header: h, SyntheticID: w.SyntheticID, Allow: w.Allow}, nil

	case event.EventTypeProposeWhitelist:
		var w proposeWhitelistJSON
		h, err := msg.decode(&w, &w.headerJSON)
		if err != nil {
			return nil, err
		}
		return &event.ProposeWhitelist{Header: h, Whitelist: w.Whitelist}, nil

	case event.EventTypeCommitWhitelist:
		var w headerJSON
		h, err := msg.decode(&w, &w)
		if err != nil {
			return nil, err
		}
		return &event.CommitWhitelist{Header: h}, nil

	case event.EventTypeSetGovernor:
		var w setGovernorJSON
		h, err := msg.decode(&w, &w.headerJSON)
		if err != nil {
			return nil, err
		}
		return &event.SetGovernor{Header: h, Governor: w.Governor}, nil

	case event.EventTypeRegistryUpdate:
		var w registryUpdateJSON
		h, err := msg.decode(&w, &w.headerJSON)
		if err != nil {
			return nil, err
		}
		return parseRegistryUpdate(h, w)

	case event.EventTypeTokenRegister:
		var w tokenRegisterJSON
		h, err := msg.decode(&w, &w.headerJSON)
		if err != nil {
			return nil, err
		}
		return &event.TokenRegister{Header: h, Token: w.Token, Symbol: w.Symbol, Decimals: w.Decimals}, nil

	case event.EventTypeTokenMint:
		var w tokenMintJSON
		h, err := msg.decode(&w, &w.headerJSON)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		return &event.TokenMint{Header: h, Token: w.Token, Holder: w.Holder, Amount: amount}, nil

	case event.EventTypeTokenApprove:
		var w tokenApproveJSON
		h, err := msg.decode(&w, &w.headerJSON)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		return &event.TokenApprove{Header: h, Token: w.Token, Spender: w.Spender, Amount: amount}, nil

	case event.EventTypeTokenTransfer:
		var w tokenTransferJSON
		h, err := msg.decode(&w, &w.headerJSON)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		return &event.TokenTransfer{Header: h, Token: w.Token, To: w.To, Amount: amount}, nil

	case event.EventTypePositionTransfer:
		var w positionTransferJSON
		h, err := msg.decode(&w, &w.headerJSON)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		return &event.PositionTransfer{Header: h, Position: w.Position, To: w.To, Amount: amount}, nil
	}

	return nil, fmt.Errorf("%w: unsupported event type %s", ErrMalformedCommand, et)
}

func parseRegistryUpdate(h event.Header, w registryUpdateJSON) (*event.RegistryUpdate, error) {
	action, err := event.ParseRegistryAction(w.Action)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}
	out := &event.RegistryUpdate{
		Header:    h,
		Action:    action,
		Account:   w.Account,
		Parameter: registry.FeeParameter(w.Parameter),
		Value:     w.Value,
	}
	switch action {
	case event.RegistryGrantRole, event.RegistryRevokeRole:
		if out.Role, err = registry.ParseRole(w.Role); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
		}
	case event.RegistrySetProtocolAddresses:
		if w.Addresses == nil {
			return nil, fmt.Errorf("%w: %s needs addresses", ErrMalformedCommand, action)
		}
		out.Addresses = *w.Addresses
	case event.RegistryPauseClass:
		if out.Class, err = registry.ParsePauseClass(w.Class); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
		}
	}
	return out, nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedCommand, field)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q: %w", ErrMalformedCommand, field, s, err)
	}
	return v, nil
}

func parseAmounts(ss []string) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, len(ss))
	for i, s := range ss {
		v, err := parseAmount(fmt.Sprintf("amounts[%d]", i), s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func decStrings(vs []*uint256.Int) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Dec()
	}
	return out
}

// EncodeCommand produces the unsigned command object SignCommand signs. The
// core never re-encodes commands.
func EncodeCommand(cmd event.Command) ([]byte, error) {
	var w any
	switch c := cmd.(type) {
	case *event.CreateDerivative:
		w = createJSON{headerOf(&c.Header), c.Derivative.Terms(), c.Amount.Dec(), c.Buyer, c.Seller, c.Name}
	case *event.MintPositions:
		w = mintJSON{headerOf(&c.Header), c.Amount.Dec(), c.Long, c.Short, c.Buyer, c.Seller}
	case *event.ExecutePositions:
		w = settleJSON{headerOf(&c.Header), c.Owner, c.Positions, decStrings(c.Amounts)}
	case *event.CancelPositions:
		w = settleJSON{headerOf(&c.Header), c.Owner, c.Positions, decStrings(c.Amounts)}
	case *event.RedeemPositions:
		pairs := make([]pairJSON, len(c.Pairs))
		for i, p := range c.Pairs {
			pairs[i] = pairJSON{Long: p.Long, Short: p.Short}
		}
		w = redeemJSON{headerOf(&c.Header), pairs, decStrings(c.Amounts)}
	case *event.WithdrawFee:
		w = withdrawFeeJSON{headerOf(&c.Header), c.Token}
	case *event.OracleData:
		w = oracleDataJSON{headerOf(&c.Header), c.DataTimestamp, c.Value.Dec()}
	case *event.AllowThirdPartyExecution:
		w = thirdPartyJSON{headerOf(&c.Header), c.SyntheticID, c.Allow}
	case *event.ProposeWhitelist:
		w = proposeWhitelistJSON{headerOf(&c.Header), c.Whitelist}
	case *event.CommitWhitelist:
		w = headerOf(&c.Header)
	case *event.SetGovernor:
		w = setGovernorJSON{headerOf(&c.Header), c.Governor}
	case *event.RegistryUpdate:
		r := registryUpdateJSON{
			headerJSON: headerOf(&c.Header),
			Action:     string(c.Action),
			Role:       string(c.Role),
			Account:    c.Account,
			Parameter:  string(c.Parameter),
			Value:      c.Value,
		}
		if c.Action == event.RegistrySetProtocolAddresses {
			addrs := c.Addresses
			r.Addresses = &addrs
		}
		if c.Action == event.RegistryPauseClass {
			r.Class = c.Class.String()
		}
		w = r
	case *event.TokenRegister:
		w = tokenRegisterJSON{headerOf(&c.Header), c.Token, c.Symbol, c.Decimals}
	case *event.TokenMint:
		w = tokenMintJSON{headerOf(&c.Header), c.Token, c.Holder, c.Amount.Dec()}
	case *event.TokenApprove:
		w = tokenApproveJSON{headerOf(&c.Header), c.Token, c.Spender, c.Amount.Dec()}
	case *event.TokenTransfer:
		w = tokenTransferJSON{headerOf(&c.Header), c.Token, c.To, c.Amount.Dec()}
	case *event.PositionTransfer:
		w = positionTransferJSON{headerOf(&c.Header), c.Position, c.To, c.Amount.Dec()}
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrMalformedCommand, cmd)
	}
	return json.Marshal(w)
}
