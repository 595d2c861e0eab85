package arbitrage

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

var ErrInvalidMarket = errors.New("invalid market configuration")

const (
	defaultSlippageBps = 1000
	defaultDeadline    = 5 * time.Minute
)

type ApprovalPolicy uint8

const (
	// Preapproved relies on allowances the account granted in earlier transactions
	Preapproved ApprovalPolicy = iota
	// ApproveEach adds an approve call before every call that pulls tokens
	ApproveEach
)

type LiquidationMode uint8

const (
	LiquidationSellSurplus LiquidationMode = iota
	LiquidationBuyDeficitMerge
	LiquidationDisabled
)

func (m LiquidationMode) String() string {
	switch m {
	case LiquidationSellSurplus:
		return "sell-surplus"
	case LiquidationBuyDeficitMerge:
		return "buy-deficit-merge"
	default:
		return "disabled"
	}
}

type legConfig struct {
	Input             string `yaml:"input"`
	Output            string `yaml:"output"`
	Router            string `yaml:"router"`
	Pool              string `yaml:"pool"`
	Fee               uint32 `yaml:"fee"`
	LiquidationRouter string `yaml:"liquidation_router"`
	LiquidationPool   string `yaml:"liquidation_pool"`
	LiquidationFee    uint32 `yaml:"liquidation_fee"`
}

type MarketConfig struct {
	Market struct {
		Name           string `yaml:"name"`
		Collateral     string `yaml:"collateral"`
		Company        string `yaml:"company"`
		Proposal       string `yaml:"proposal"`
		FutarchyRouter string `yaml:"futarchy_router"`
		RouterVersion  string `yaml:"router_version"`
		Legs           struct {
			A legConfig `yaml:"a"`
			B legConfig `yaml:"b"`
		} `yaml:"legs"`
		Spot struct {
			Router string `yaml:"router"`
			Vault  string `yaml:"vault"`
			Steps  []struct {
				Pool     string `yaml:"pool"`
				TokenOut string `yaml:"token_out"`
				Buffer   bool   `yaml:"buffer"`
			} `yaml:"steps"`
		} `yaml:"spot"`
		Delegate        string  `yaml:"delegate"`
		Capacity        int     `yaml:"capacity"`
		Approvals       string  `yaml:"approvals"`
		Liquidation     string  `yaml:"liquidation"`
		SlippageBps     *uint64 `yaml:"slippage_bps"`
		DeadlineSeconds uint64  `yaml:"deadline_seconds"`
	} `yaml:"market"`
}

type Leg struct {
	Input             common.Address
	Output            common.Address
	Router            common.Address
	Pool              common.Address
	Fee               uint32
	LiquidationRouter common.Address
	LiquidationPool   common.Address
	LiquidationFee    uint32
}

// Market is the resolved configuration of one conditional pool pair
type Market struct {
	Name           string
	Collateral     common.Address
	Company        common.Address
	Proposal       common.Address
	FutarchyRouter common.Address
	RouterVersion  RouterVersion
	A              Leg
	B              Leg
	SpotRouter     common.Address
	SpotVault      common.Address
	SpotSteps      []PathStep
	Delegate       common.Address
	Capacity       int
	Approvals      ApprovalPolicy
	Liquidation    LiquidationMode
	SlippageBps    uint64
	Deadline       time.Duration
}

// LoadMarketConfig parses a market config from a file
func LoadMarketConfig(file string) (*Market, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseMarketConfig(data)
}

func ParseMarketConfig(data []byte) (*Market, error) {
	var config MarketConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	c := config.Market

	p := addressParser{}
	m := &Market{
		Name:           c.Name,
		Collateral:     p.required("collateral", c.Collateral),
		Company:        p.required("company", c.Company),
		Proposal:       p.required("proposal", c.Proposal),
		FutarchyRouter: p.required("futarchy_router", c.FutarchyRouter),
		A:              p.leg("legs.a", c.Legs.A),
		B:              p.leg("legs.b", c.Legs.B),
		SpotRouter:     p.required("spot.router", c.Spot.Router),
		SpotVault:      p.optional("spot.vault", c.Spot.Vault),
		Delegate:       p.required("delegate", c.Delegate),
		Capacity:       c.Capacity,
		SlippageBps:    defaultSlippageBps,
		Deadline:       defaultDeadline,
	}
	for i, s := range c.Spot.Steps {
		m.SpotSteps = append(m.SpotSteps, PathStep{
			Pool:     p.required(fmt.Sprintf("spot.steps[%d].pool", i), s.Pool),
			TokenOut: p.required(fmt.Sprintf("spot.steps[%d].token_out", i), s.TokenOut),
			IsBuffer: s.Buffer,
		})
	}
	if p.err != nil {
		return nil, p.err
	}

	version, err := ParseRouterVersion(c.RouterVersion)
	if err != nil {
		return nil, errors.Join(ErrInvalidMarket, err)
	}
	m.RouterVersion = version

	switch c.Approvals {
	case "", "preapproved":
		m.Approvals = Preapproved
	case "approve-each":
		m.Approvals = ApproveEach
	default:
		return nil, fmt.Errorf("%w: unknown approvals policy %q", ErrInvalidMarket, c.Approvals)
	}

	switch c.Liquidation {
	case "", "sell-surplus":
		m.Liquidation = LiquidationSellSurplus
	case "buy-deficit-merge":
		m.Liquidation = LiquidationBuyDeficitMerge
	case "disabled":
		m.Liquidation = LiquidationDisabled
	default:
		return nil, fmt.Errorf("%w: unknown liquidation mode %q", ErrInvalidMarket, c.Liquidation)
	}

	if m.Capacity == 0 {
		m.Capacity = DefaultCapacity
	}
	if c.SlippageBps != nil {
		m.SlippageBps = *c.SlippageBps
	}
	if c.DeadlineSeconds > 0 {
		m.Deadline = time.Duration(c.DeadlineSeconds) * time.Second
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Market) Validate() error {
	switch {
	case m.Capacity < 0:
		return fmt.Errorf("%w: negative capacity", ErrInvalidMarket)
	case m.SlippageBps >= bpsDenominator:
		return fmt.Errorf("%w: slippage must be below 100%%", ErrInvalidMarket)
	case len(m.SpotSteps) == 0:
		return fmt.Errorf("%w: spot path has no steps", ErrInvalidMarket)
	case m.SpotSteps[len(m.SpotSteps)-1].TokenOut != m.Collateral:
		return fmt.Errorf("%w: spot path must end in the collateral token", ErrInvalidMarket)
	case m.A.Input == m.B.Input || m.A.Output == m.B.Output:
		return fmt.Errorf("%w: legs must use distinct tokens", ErrInvalidMarket)
	}
	if m.Liquidation != LiquidationDisabled {
		for _, leg := range []Leg{m.A, m.B} {
			if leg.LiquidationRouter == (common.Address{}) {
				return fmt.Errorf("%w: liquidation %s needs a liquidation router on both legs", ErrInvalidMarket, m.Liquidation)
			}
		}
	}
	return nil
}

func (m *Market) Leg(side Side) Leg {
	if side == SideB {
		return m.B
	}
	return m.A
}

// Counterparties are the addresses that move tokens to or from the account
// during the swap
func (m *Market) Counterparties(op Operation) []common.Address {
	var res []common.Address
	add := func(a common.Address) {
		if a != (common.Address{}) {
			res = append(res, a)
		}
	}
	single := func(router, tokenIn, tokenOut common.Address) {
		add(router)
		for _, leg := range []Leg{m.A, m.B} {
			switch {
			case router == leg.Router && tokenIn == leg.Input && tokenOut == leg.Output:
				add(leg.Pool)
			case router == leg.LiquidationRouter && (tokenIn == leg.Input || tokenOut == leg.Input):
				add(leg.LiquidationPool)
			}
		}
	}
	switch op := op.(type) {
	case SwapExactIn:
		single(op.Router, op.TokenIn, op.TokenOut)
	case SwapExactOut:
		single(op.Router, op.TokenIn, op.TokenOut)
	case BatchedSwap:
		add(op.Router)
		add(m.SpotVault)
		for _, s := range op.Steps {
			add(s.Pool)
		}
	}
	return res
}

type addressParser struct {
	err error
}

func (p *addressParser) required(name, value string) common.Address {
	if p.err != nil {
		return common.Address{}
	}
	if value == "" {
		p.err = fmt.Errorf("%w: %s is required", ErrInvalidMarket, name)
		return common.Address{}
	}
	addr, err := ParseAddress(value)
	if err != nil {
		p.err = fmt.Errorf("%w: %s: %w", ErrInvalidMarket, name, err)
	}
	return addr
}

func (p *addressParser) optional(name, value string) common.Address {
	if value == "" {
		return common.Address{}
	}
	return p.required(name, value)
}

func (p *addressParser) leg(name string, c legConfig) Leg {
	return Leg{
		Input:             p.required(name+".input", c.Input),
		Output:            p.required(name+".output", c.Output),
		Router:            p.required(name+".router", c.Router),
		Pool:              p.optional(name+".pool", c.Pool),
		Fee:               c.Fee,
		LiquidationRouter: p.optional(name+".liquidation_router", c.LiquidationRouter),
		LiquidationPool:   p.optional(name+".liquidation_pool", c.LiquidationPool),
		LiquidationFee:    c.LiquidationFee,
	}
}
