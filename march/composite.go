// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package march

import (
	"math"

	"github.com/gogpu/ngp"
)

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// usable reports whether a network output can be composited. Non-finite
// outputs are skipped rather than poisoning the ray.
func usable(sigma float64, c ngp.Vec3) bool {
	return finite(sigma) && c.IsFinite()
}

// Composite folds samples into r front to back. density and color hold the
// network outputs aligned with samples. Once the transmittance falls below
// minTransmittance the ray becomes TerminatedOpacity and the remaining
// samples are ignored. Compositing a ray that is not Alive is a no-op.
//
// It returns the number of samples consumed and the number skipped as
// non-finite. Negative densities are clamped to zero.
func Composite(r *Ray, samples []Sample, density []float64, color []ngp.Vec3, minTransmittance float64) (used, degenerate int) {
	for i := range samples {
		if r.State != Alive {
			break
		}
		used++
		sigma, c := density[i], color[i]
		if !usable(sigma, c) {
			degenerate++
			continue
		}
		alpha := -math.Expm1(-max(sigma, 0) * samples[i].Dt)
		w := r.Transmittance * alpha
		r.Color = r.Color.Add(c.Mul(w))
		r.Transmittance *= 1 - alpha
		if r.Transmittance < minTransmittance {
			r.State = TerminatedOpacity
		}
	}
	return used, degenerate
}

// CompositeGrad back-propagates dLoss/dC through the compositing of one
// ray. samples, density and color are the first used entries consumed by
// Composite for that ray. total is the ray's full output color including
// the background term T_final·background.
//
// With T_{i+1} = T_i·(1-α_i) and P_i = Σ_{k<=i} w_k·c_k:
//
//	dC/dc_i = w_i
//	dC/dσ_i = Δ_i·(T_{i+1}·c_i - (total - P_i))
//
// Skipped (non-finite) samples and samples clamped at zero density get a
// zero density gradient.
func CompositeGrad(samples []Sample, density []float64, color []ngp.Vec3, total, dLdC ngp.Vec3, dDensity []float64, dColor []ngp.Vec3) {
	trans := 1.0
	var prefix ngp.Vec3
	for i := range samples {
		sigma, c := density[i], color[i]
		if !usable(sigma, c) {
			dDensity[i] = 0
			dColor[i] = ngp.Vec3{}
			continue
		}
		alpha := -math.Expm1(-max(sigma, 0) * samples[i].Dt)
		w := trans * alpha
		next := trans * (1 - alpha)
		prefix = prefix.Add(c.Mul(w))

		dColor[i] = dLdC.Mul(w)
		if sigma < 0 {
			dDensity[i] = 0
		} else {
			dCdSigma := c.Mul(next).Sub(total.Sub(prefix)).Mul(samples[i].Dt)
			dDensity[i] = dLdC.Dot(dCdSigma)
		}
		trans = next
	}
}
