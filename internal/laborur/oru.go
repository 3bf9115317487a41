package laborur

import (
	"strings"

	"github.com/ehr/labinterface/internal/platform/hl7v2"
	"github.com/ehr/labinterface/internal/resolver"
)

// oru holds the segments of one ORU^R01 message the interpreter consumes.
type oru struct {
	msh    *hl7v2.Segment
	pid    *hl7v2.Segment
	nk1    []*hl7v2.Segment
	pv1    *hl7v2.Segment
	pd1    *hl7v2.Segment
	orc    *hl7v2.Segment
	orders []*order
}

type order struct {
	orc      *hl7v2.Segment
	obr      *hl7v2.Segment
	comments []string
	results  []*result
}

type result struct {
	obx      *hl7v2.Segment
	comments []string
}

// extract walks the message once, grouping OBX under the preceding OBR and
// NTE under the preceding OBR or OBX. An ORC opens a new order.
func extract(msg *hl7v2.Message) *oru {
	o := &oru{}
	var (
		cur     *order
		last    *result
		lastORC *hl7v2.Segment
	)
	openOrder := func() *order {
		cur = &order{orc: lastORC}
		o.orders = append(o.orders, cur)
		last = nil
		return cur
	}

	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Name {
		case "MSH":
			if o.msh == nil {
				o.msh = seg
			}
		case "PID":
			if o.pid == nil {
				o.pid = seg
			}
		case "NK1":
			o.nk1 = append(o.nk1, seg)
		case "PV1":
			o.pv1 = seg
		case "PD1":
			o.pd1 = seg
		case "ORC":
			if o.orc == nil {
				o.orc = seg
			}
			lastORC = seg
			cur, last = nil, nil
		case "OBR":
			openOrder().obr = seg
		case "OBX":
			if cur == nil {
				openOrder()
			}
			last = &result{obx: seg}
			cur.results = append(cur.results, last)
		case "NTE":
			text := strings.TrimSpace(seg.GetField(3))
			switch {
			case text == "":
			case last != nil:
				last.comments = append(last.comments, text)
			case cur != nil:
				cur.comments = append(cur.comments, text)
			}
		}
	}
	return o
}

func cxList(seg *hl7v2.Segment, field int) []resolver.CX {
	if seg == nil {
		return nil
	}
	var out []resolver.CX
	for _, rep := range seg.Repetitions(field) {
		cx := resolver.CX{ID: strings.TrimSpace(component(rep, 1)), CheckDigit: strings.TrimSpace(component(rep, 2))}
		cx.Authority = strings.TrimSpace(hl7v2.FirstSubcomponent(component(rep, 4)))
		if cx.ID != "" {
			out = append(out, cx)
		}
	}
	return out
}

func xcn(seg *hl7v2.Segment, field int) resolver.XCN {
	if seg == nil {
		return resolver.XCN{}
	}
	return resolver.XCN{
		ID:         strings.TrimSpace(seg.GetComponent(field, 1)),
		FamilyName: strings.TrimSpace(hl7v2.FirstSubcomponent(seg.GetComponent(field, 2))),
		GivenName:  strings.TrimSpace(seg.GetComponent(field, 3)),
	}
}

func codeOf(seg *hl7v2.Segment, field int) resolver.Code {
	return resolver.Code{
		Identifier: strings.TrimSpace(seg.GetComponent(field, 1)),
		Text:       strings.TrimSpace(seg.GetComponent(field, 2)),
		System:     strings.TrimSpace(seg.GetComponent(field, 3)),
	}
}

func component(rep []string, i int) string {
	if i-1 < len(rep) {
		return rep[i-1]
	}
	return ""
}

func segmentRef(seg *hl7v2.Segment) string {
	if seg == nil {
		return ""
	}
	if id := seg.GetField(1); id != "" && seg.Name != "MSH" {
		return seg.Name + "[" + id + "]"
	}
	return seg.Name
}
