package qos

import "regexp"

// ============================================================================
// Offered / Requested Matching
// ============================================================================

// Offered is the writer-side view handed to the matcher: the writer's
// endpoint QoS plus its publisher's group policies.
type Offered struct {
	Durability         Durability
	Presentation       Presentation
	Deadline           Deadline
	LatencyBudget      LatencyBudget
	Liveliness         Liveliness
	Reliability        Reliability
	DestinationOrder   DestinationOrder
	Ownership          Ownership
	DataRepresentation DataRepresentation
}

// Requested is the reader-side view handed to the matcher.
type Requested struct {
	Durability         Durability
	Presentation       Presentation
	Deadline           Deadline
	LatencyBudget      LatencyBudget
	Liveliness         Liveliness
	Reliability        Reliability
	DestinationOrder   DestinationOrder
	Ownership          Ownership
	DataRepresentation DataRepresentation
}

// OfferedFromWriter assembles the matcher view for a writer.
func OfferedFromWriter(w DataWriterQos, p PublisherQos) Offered {
	return Offered{
		Durability:         w.Durability,
		Presentation:       p.Presentation,
		Deadline:           w.Deadline,
		LatencyBudget:      w.LatencyBudget,
		Liveliness:         w.Liveliness,
		Reliability:        w.Reliability,
		DestinationOrder:   w.DestinationOrder,
		Ownership:          w.Ownership,
		DataRepresentation: w.DataRepresentation,
	}
}

// RequestedFromReader assembles the matcher view for a reader.
func RequestedFromReader(r DataReaderQos, s SubscriberQos) Requested {
	return Requested{
		Durability:         r.Durability,
		Presentation:       s.Presentation,
		Deadline:           r.Deadline,
		LatencyBudget:      r.LatencyBudget,
		Liveliness:         r.Liveliness,
		Reliability:        r.Reliability,
		DestinationOrder:   r.DestinationOrder,
		Ownership:          r.Ownership,
		DataRepresentation: r.DataRepresentation,
	}
}

// CheckCompatibility computes the incompatible-policy list for an
// (offered, requested) pair. The rule is "offered must be at least as
// good as requested" for every ordered policy. An empty result means
// the pair is compatible; otherwise the first element feeds the
// last_policy_id of the resulting status.
func CheckCompatibility(offered Offered, requested Requested) []PolicyID {
	var incompatible []PolicyID

	if offered.Durability.Kind < requested.Durability.Kind {
		incompatible = append(incompatible, DurabilityPolicyID)
	}
	if offered.Presentation.AccessScope < requested.Presentation.AccessScope ||
		offered.Presentation.CoherentAccess != requested.Presentation.CoherentAccess ||
		offered.Presentation.OrderedAccess != requested.Presentation.OrderedAccess {
		incompatible = append(incompatible, PresentationPolicyID)
	}
	// A smaller deadline period is a stronger promise.
	if offered.Deadline.Period > requested.Deadline.Period {
		incompatible = append(incompatible, DeadlinePolicyID)
	}
	if offered.LatencyBudget.Duration > requested.LatencyBudget.Duration {
		incompatible = append(incompatible, LatencyBudgetPolicyID)
	}
	if offered.Liveliness.Kind < requested.Liveliness.Kind ||
		offered.Liveliness.LeaseDuration > requested.Liveliness.LeaseDuration {
		incompatible = append(incompatible, LivelinessPolicyID)
	}
	if offered.Reliability.Kind < requested.Reliability.Kind {
		incompatible = append(incompatible, ReliabilityPolicyID)
	}
	if offered.DestinationOrder.Kind < requested.DestinationOrder.Kind {
		incompatible = append(incompatible, DestinationOrderPolicyID)
	}
	if offered.Ownership.Kind != requested.Ownership.Kind {
		incompatible = append(incompatible, OwnershipPolicyID)
	}
	if !representationsCompatible(offered.DataRepresentation, requested.DataRepresentation) {
		incompatible = append(incompatible, DataRepresentationPolicyID)
	}

	return incompatible
}

// representationsCompatible requires the requested list to contain at
// least one element of the offered list. An empty list on either side
// defaults to {XCDR}.
func representationsCompatible(offered, requested DataRepresentation) bool {
	off := offered.Value
	if len(off) == 0 {
		off = []DataRepresentationId{XCDRRepresentation}
	}
	req := requested.Value
	if len(req) == 0 {
		req = []DataRepresentationId{XCDRRepresentation}
	}
	for _, r := range req {
		for _, o := range off {
			if r == o {
				return true
			}
		}
	}
	return false
}

// ============================================================================
// Partition Matching
// ============================================================================

// PartitionsMatch reports whether a publisher partition set and a
// subscriber partition set overlap. A name containing regex
// metacharacters matches the other side as a pattern, in either
// direction; plain names compare by string equality. Empty sets behave
// as the single empty-string partition.
func PartitionsMatch(pub, sub Partition) bool {
	pubNames := pub.Names
	if len(pubNames) == 0 {
		pubNames = []string{""}
	}
	subNames := sub.Names
	if len(subNames) == 0 {
		subNames = []string{""}
	}
	for _, p := range pubNames {
		for _, s := range subNames {
			if partitionNameMatch(p, s) || partitionNameMatch(s, p) {
				return true
			}
		}
	}
	return false
}

// partitionNameMatch matches pattern against name. Two patterns never
// match each other.
func partitionNameMatch(pattern, name string) bool {
	if !isPartitionPattern(pattern) {
		return pattern == name
	}
	if isPartitionPattern(name) {
		return false
	}
	re, err := regexp.Compile("^" + pattern + "$")
	if err != nil {
		return pattern == name
	}
	return re.MatchString(name)
}

// isPartitionPattern reports whether the name carries regex
// metacharacters.
func isPartitionPattern(name string) bool {
	for _, c := range name {
		switch c {
		case '*', '?', '[', ']', '.', '+', '(', ')', '|', '^', '$':
			return true
		}
	}
	return false
}
