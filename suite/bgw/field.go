package bgw

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// Modulus is the prime field all shares live in (2^89 - 1).
var Modulus, _ = new(big.Int).SetString("618970019642690137449562111", 10)

// Threshold returns the polynomial degree used for n parties: ceil(n/2)-1,
// never negative.
func Threshold(n int) int {
	t := (n+1)/2 - 1
	if t < 0 {
		return 0
	}
	return t
}

// Share splits secret into one point per x using a random polynomial of
// degree t over the field modulo p. Every x must be non-zero modulo p.
func Share(random io.Reader, secret *big.Int, t int, xs []int, p *big.Int) (map[int]*big.Int, error) {
	if random == nil {
		random = rand.Reader
	}
	coeffs := make([]*big.Int, t+1)
	coeffs[0] = new(big.Int).Mod(secret, p)
	for i := 1; i <= t; i++ {
		c, err := rand.Int(random, p)
		if err != nil {
			return nil, fmt.Errorf("bgw: sample coefficient: %w", err)
		}
		coeffs[i] = c
	}
	out := make(map[int]*big.Int, len(xs))
	for _, x := range xs {
		if x <= 0 {
			return nil, fmt.Errorf("bgw: invalid evaluation point %d", x)
		}
		out[x] = evaluate(coeffs, big.NewInt(int64(x)), p)
	}
	return out, nil
}

// evaluate computes the polynomial at x using Horner's rule.
func evaluate(coeffs []*big.Int, x, p *big.Int) *big.Int {
	acc := new(big.Int)
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc.Mul(acc, x)
		acc.Add(acc, coeffs[i])
		acc.Mod(acc, p)
	}
	return acc
}

var errNoPoints = errors.New("bgw: no points to interpolate")

// Reconstruct interpolates the polynomial through points and evaluates it at
// zero.
func Reconstruct(points map[int]*big.Int, p *big.Int) (*big.Int, error) {
	if len(points) == 0 {
		return nil, errNoPoints
	}
	secret := new(big.Int)
	for xi, yi := range points {
		num := big.NewInt(1)
		den := big.NewInt(1)
		for xj := range points {
			if xj == xi {
				continue
			}
			num.Mul(num, big.NewInt(int64(-xj)))
			num.Mod(num, p)
			den.Mul(den, big.NewInt(int64(xi-xj)))
			den.Mod(den, p)
		}
		inv := new(big.Int).ModInverse(den, p)
		if inv == nil {
			return nil, fmt.Errorf("bgw: duplicate evaluation point %d", xi)
		}
		term := new(big.Int).Mul(yi, num)
		term.Mul(term, inv)
		secret.Add(secret, term)
		secret.Mod(secret, p)
	}
	return secret, nil
}
