package duplicates

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"roomwatch/server/internal/models"
)

// Distance bands for classifying how close a candidate sits to the
// submitted listing, in meters.
const (
	sameAddressMeters     = 10.0
	sameBuildingMeters    = 30.0
	sameBlockMeters       = 100.0
	sameStreetMeters      = 250.0
	walkingDistanceMeters = 1000.0
	neighborhoodMeters    = 3000.0
)

// ClassifyProximity maps a distance in meters onto the proximity enum.
func ClassifyProximity(meters float64) models.ProximityLevel {
	switch {
	case meters < 0:
		return models.ProximityUnknown
	case meters <= sameAddressMeters:
		return models.ProximitySameAddress
	case meters <= sameBuildingMeters:
		return models.ProximitySameBuilding
	case meters <= sameBlockMeters:
		return models.ProximitySameBlock
	case meters <= sameStreetMeters:
		return models.ProximitySameStreet
	case meters <= walkingDistanceMeters:
		return models.ProximityWalkingDistance
	case meters <= neighborhoodMeters:
		return models.ProximitySameNeighborhood
	default:
		return models.ProximityUnknown
	}
}

// EnrichProximity fills in DistanceMeters and ProximityLevel for
// candidates the matcher returned without them, using coordinates when
// both sides have them. Candidate rank order is never touched.
func EnrichProximity(set *models.DuplicateCandidateSet) {
	if set == nil || set.ExtractedLatitude == nil || set.ExtractedLongitude == nil {
		return
	}
	origin := orb.Point{*set.ExtractedLongitude, *set.ExtractedLatitude}

	for i := range set.Candidates {
		c := &set.Candidates[i]
		if c.DistanceMeters == nil && c.Latitude != nil && c.Longitude != nil {
			d := geo.Distance(origin, orb.Point{*c.Longitude, *c.Latitude})
			c.DistanceMeters = &d
		}
		if c.ProximityLevel == "" {
			if c.DistanceMeters != nil {
				c.ProximityLevel = ClassifyProximity(*c.DistanceMeters)
			} else {
				c.ProximityLevel = models.ProximityUnknown
			}
		}
	}
}
