package tool

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// dicePattern matches tabletop dice notation like "2d6" or "1d20".
var dicePattern = regexp.MustCompile(`(\d+)d(\d+)`)

// Calculator evaluates arithmetic expressions locally, with dice notation
// support for game-mechanics computations.
type Calculator struct {
	rng *rand.Rand
}

// NewCalculator creates a calculator with a time-seeded dice roller.
func NewCalculator() *Calculator {
	return &Calculator{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewCalculatorWithSeed creates a calculator with deterministic dice rolls.
func NewCalculatorWithSeed(seed int64) *Calculator {
	return &Calculator{rng: rand.New(rand.NewSource(seed))}
}

// Name implements Tool.
func (c *Calculator) Name() string { return "calculator" }

// Call evaluates the expression. Input: "expression" or "prompt". Dice
// terms are rolled first, then the remaining arithmetic is evaluated.
func (c *Calculator) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	expr, _ := input["expression"].(string)
	if expr == "" {
		var err error
		expr, err = promptFrom(input)
		if err != nil {
			return nil, err
		}
	}

	rolled := c.rollDice(expr)
	result, err := evalExpression(rolled)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	return map[string]interface{}{
		"expression": expr,
		"rolled":     rolled,
		"result":     result,
	}, nil
}

// rollDice replaces each NdM term with the sum of N rolls of an M-sided die.
func (c *Calculator) rollDice(expr string) string {
	return dicePattern.ReplaceAllStringFunc(expr, func(term string) string {
		parts := dicePattern.FindStringSubmatch(term)
		count, _ := strconv.Atoi(parts[1])
		sides, _ := strconv.Atoi(parts[2])
		if count <= 0 || sides <= 0 || count > 1000 {
			return "0"
		}
		total := 0
		for i := 0; i < count; i++ {
			total += c.rng.Intn(sides) + 1
		}
		return strconv.Itoa(total)
	})
}

// exprParser is a recursive-descent parser for + - * / and parentheses.
type exprParser struct {
	input string
	pos   int
}

func evalExpression(input string) (float64, error) {
	p := &exprParser{input: input}
	v, err := p.parseSum()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos)
	}
	return v, nil
}

func (p *exprParser) parseSum() (float64, error) {
	left, err := p.parseProduct()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return left, nil
		}
		switch p.input[p.pos] {
		case '+':
			p.pos++
			right, err := p.parseProduct()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseProduct()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseProduct() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return left, nil
		}
		switch p.input[p.pos] {
		case '*':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == '-' {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parseAtom()
}

func (p *exprParser) parseAtom() (float64, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0, fmt.Errorf("unexpected end of expression")
	}
	if p.input[p.pos] == '(' {
		p.pos++
		v, err := p.parseSum()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}

	start := p.pos
	for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at position %d", start)
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", p.input[start:p.pos])
	}
	return v, nil
}

func (p *exprParser) skipSpace() {
	p.pos += len(p.input[p.pos:]) - len(strings.TrimLeft(p.input[p.pos:], " \t"))
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
