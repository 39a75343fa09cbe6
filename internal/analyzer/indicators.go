package analyzer

import "math"

// sma returns the rolling simple mean of vals over n points. Entries before the
// first full window are NaN.
func sma(vals []float64, n int) []float64 {
	out := make([]float64, len(vals))
	sum := 0.0
	for i, v := range vals {
		sum += v
		if i >= n {
			sum -= vals[i-n]
		}
		if i < n-1 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(n)
	}
	return out
}

// ema returns the recursive exponential mean seeded with the first value.
func ema(vals []float64, span int) []float64 {
	out := make([]float64, len(vals))
	if len(vals) == 0 {
		return out
	}
	alpha := 2.0 / (float64(span) + 1)
	out[0] = vals[0]
	for i := 1; i < len(vals); i++ {
		out[i] = alpha*vals[i] + (1-alpha)*out[i-1]
	}
	return out
}

// rollingStd is the sample standard deviation over n points.
func rollingStd(vals []float64, n int) []float64 {
	out := make([]float64, len(vals))
	means := sma(vals, n)
	for i := range vals {
		if i < n-1 || n < 2 {
			out[i] = math.NaN()
			continue
		}
		s := 0.0
		for j := i - n + 1; j <= i; j++ {
			d := vals[j] - means[i]
			s += d * d
		}
		out[i] = math.Sqrt(s / float64(n-1))
	}
	return out
}

// rsi uses simple rolling means of gains and losses.
func rsi(closes []float64, period int) []float64 {
	gains := make([]float64, len(closes))
	losses := make([]float64, len(closes))
	gains[0], losses[0] = math.NaN(), math.NaN()
	for i := 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gains[i] = d
		} else {
			losses[i] = -d
		}
	}
	out := make([]float64, len(closes))
	for i := range closes {
		if i < period {
			out[i] = math.NaN()
			continue
		}
		g, l := 0.0, 0.0
		for j := i - period + 1; j <= i; j++ {
			g += gains[j]
			l += losses[j]
		}
		switch {
		case l == 0 && g == 0:
			out[i] = math.NaN()
		case l == 0:
			out[i] = 100
		default:
			out[i] = 100 - 100/(1+g/l)
		}
	}
	return out
}

func macd(closes []float64, fast, slow, signal int) (line, sig, hist []float64) {
	f, s := ema(closes, fast), ema(closes, slow)
	line = make([]float64, len(closes))
	for i := range closes {
		line[i] = f[i] - s[i]
	}
	sig = ema(line, signal)
	hist = make([]float64, len(closes))
	for i := range closes {
		hist[i] = line[i] - sig[i]
	}
	return line, sig, hist
}

// atr is the simple rolling mean of the true range.
func atr(highs, lows, closes []float64, period int) []float64 {
	tr := make([]float64, len(closes))
	for i := range closes {
		hl := highs[i] - lows[i]
		if i == 0 {
			tr[i] = hl
			continue
		}
		tr[i] = math.Max(hl, math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))
	}
	return sma(tr, period)
}

func last(vals []float64) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	return vals[len(vals)-1]
}

func prev(vals []float64) float64 {
	if len(vals) < 2 {
		return last(vals)
	}
	return vals[len(vals)-2]
}
