// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package estimate

import (
	"fmt"
	"math"
	"strconv"
)

// A model returns the raw complexity for a parameter set.
type model func(params map[string]string) (int64, error)

var models = map[string]model{
	"capturetheflag": captureTheFlag,
	"fifteenpuzzle":  fifteenPuzzle,
	"gameoflife":     gameOfLife,
}

// floatParams parses the named parameters, in order.
func floatParams(params map[string]string, names ...string) ([]float64, error) {
	vals := make([]float64, len(names))
	for i, name := range names {
		s, ok := params[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing parameter %q", ErrBadParameters, name)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: parameter %q is not a number: %q", ErrBadParameters, name, s)
		}
		if v < 0 {
			return nil, fmt.Errorf("%w: parameter %q is negative: %q", ErrBadParameters, name, s)
		}
		vals[i] = v
	}
	return vals, nil
}

// polynomial evaluates intercept + sum(coef[i]*features[i]).
func polynomial(intercept float64, coef, features []float64) float64 {
	result := intercept
	for i, c := range coef {
		result += c * features[i]
	}
	return result
}

// toCost rounds v to the nearest integer, saturating at MaxInt64 and
// flooring at zero. NaN is zero.
func toCost(v float64) int64 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= math.MaxInt64:
		return math.MaxInt64
	}
	return int64(math.Round(v))
}

func standardize(v, mean, scale float64) float64 {
	return (v - mean) / scale
}

// Degree-2 polynomial regression on log1p(complexity), over
// standardized gridSize, numBlueAgents, numRedAgents and one-hot
// flagPlacementType B and C (A is the baseline).
var ctfModel = struct {
	intercept   float64
	coef        []float64
	mean, scale [3]float64
}{
	intercept: 16.444668341118454,
	coef: []float64{
		0.5566244161369187,    // g
		0.5566244161369189,    // b
		0.5566244161369186,    // r
		-0.582629164084132,    // B
		-0.26080560520453505,  // C
		-0.06481903585870188,  // g*g
		-0.06481903585870182,  // g*b
		-0.06481903585870176,  // g*r
		-0.0360513570832752,   // g*B
		0.0029728806640509087, // g*C
		-0.06481903585870176,  // b*b
		-0.06481903585870176,  // b*r
		-0.0360513570832752,   // b*B
		0.0029728806640509087, // b*C
		-0.06481903585870176,  // r*r
		-0.0360513570832752,   // r*B
		0.0029728806640509087, // r*C
		-0.5826291640841318,   // B*B
		0.0,                   // B*C
		-0.26080560520453455,  // C*C
	},
	mean:  [3]float64{24.36111111111111, 19.36111111111111, 19.36111111111111},
	scale: [3]float64{8.614112380202933, 8.614112380202933, 8.614112380202933},
}

func captureTheFlag(params map[string]string) (int64, error) {
	vals, err := floatParams(params, "gridSize", "numBlueAgents", "numRedAgents")
	if err != nil {
		return 0, err
	}
	placement, ok := params["flagPlacementType"]
	if !ok {
		return 0, fmt.Errorf("%w: missing parameter %q", ErrBadParameters, "flagPlacementType")
	}
	var B, C float64
	switch placement {
	case "B":
		B = 1
	case "C":
		C = 1
	}
	g := standardize(vals[0], ctfModel.mean[0], ctfModel.scale[0])
	b := standardize(vals[1], ctfModel.mean[1], ctfModel.scale[1])
	r := standardize(vals[2], ctfModel.mean[2], ctfModel.scale[2])
	features := []float64{
		g, b, r, B, C,
		g * g, g * b, g * r, g * B, g * C,
		b * b, b * r, b * B, b * C,
		r * r, r * B, r * C,
		B * B, B * C,
		C * C,
	}
	return toCost(math.Expm1(polynomial(ctfModel.intercept, ctfModel.coef, features))), nil
}

// Degree-3 polynomial regression on log1p(complexity), over
// standardized shuffles and size.
var fifteenPuzzleModel = struct {
	intercept   float64
	coef        []float64
	mean, scale [2]float64
}{
	intercept: 13.911182271961003,
	coef: []float64{
		2.7197878925380454,  // s
		-2.8012436729844765, // z
		-0.700637577062229,  // s*s
		1.125892037431241,   // s*z
		0.6631370317346617,  // z*z
		-0.3122297659104736, // s*s*s
		0.6075140717414949,  // s*s*z
		0.6158385604063749,  // s*z*z
		0.46671759524734224, // z*z*z
	},
	mean:  [2]float64{57.372727272727275, 10.6},
	scale: [2]float64{14.775815061911194, 2.8514748974713227},
}

func fifteenPuzzle(params map[string]string) (int64, error) {
	vals, err := floatParams(params, "shuffles", "size")
	if err != nil {
		return 0, err
	}
	s := standardize(vals[0], fifteenPuzzleModel.mean[0], fifteenPuzzleModel.scale[0])
	z := standardize(vals[1], fifteenPuzzleModel.mean[1], fifteenPuzzleModel.scale[1])
	features := []float64{
		s, z,
		s * s, s * z, z * z,
		s * s * s, s * s * z, s * z * z, z * z * z,
	}
	return toCost(math.Expm1(polynomial(fifteenPuzzleModel.intercept, fifteenPuzzleModel.coef, features))), nil
}

// Linear in iterations, no transform.
func gameOfLife(params map[string]string) (int64, error) {
	vals, err := floatParams(params, "iterations")
	if err != nil {
		return 0, err
	}
	return toCost(polynomial(67.17800871655345, []float64{893.8556339255783}, vals)), nil
}
