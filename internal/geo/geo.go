// Package geo decides whether a reported position lies inside the gate's
// geofence.
package geo

import (
	"errors"
	"math"
)

const (
	EarthRadiusKm = 6371.0

	DefaultAccuracyThresholdM = 50.0
	// UnknownAccuracyM is assumed when the client reports no accuracy, so an
	// unreported fix never passes the threshold.
	UnknownAccuracyM = 999.0
)

var ErrInvalidCoordinates = errors.New("geo: invalid coordinates")

type Point struct {
	Lat float64
	Lng float64
}

// Distance returns the great-circle distance in kilometres between two
// points given in decimal degrees.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Verify accepts iff the distance and the reported accuracy are both within bounds.
func Verify(distanceKm, accuracyM, maxDistanceKm, accuracyThresholdM float64) bool {
	return distanceKm <= maxDistanceKm && accuracyM <= accuracyThresholdM
}

// ValidateCoordinates rejects NaN, infinities and out-of-range degrees.
func ValidateCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return ErrInvalidCoordinates
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

// Fence is a circular boundary around the gate.
type Fence struct {
	Center             Point
	MaxDistanceKm      float64
	AccuracyThresholdM float64
}

type Decision struct {
	DistanceKm float64
	AccuracyM  float64
	Accepted   bool
}

// Check measures p against the fence. A nil accuracy counts as UnknownAccuracyM.
func (f Fence) Check(p Point, accuracyM *float64) (Decision, error) {
	if err := ValidateCoordinates(p.Lat, p.Lng); err != nil {
		return Decision{}, err
	}

	acc := UnknownAccuracyM
	if accuracyM != nil {
		if math.IsNaN(*accuracyM) || *accuracyM < 0 {
			return Decision{}, ErrInvalidCoordinates
		}
		acc = *accuracyM
	}

	threshold := f.AccuracyThresholdM
	if threshold <= 0 {
		threshold = DefaultAccuracyThresholdM
	}

	dist := Distance(p.Lat, p.Lng, f.Center.Lat, f.Center.Lng)
	return Decision{
		DistanceKm: dist,
		AccuracyM:  acc,
		Accepted:   Verify(dist, acc, f.MaxDistanceKm, threshold),
	}, nil
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
