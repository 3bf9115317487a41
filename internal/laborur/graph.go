package laborur

import (
	"context"
	"fmt"

	"github.com/ehr/labinterface/internal/clinical"
)

// nodeID addresses an observation in a graph's arena.
type nodeID int

// root is the parent of observations attached directly to the encounter.
const root nodeID = -1

type node struct {
	obs      *clinical.Observation
	parent   nodeID
	members  []nodeID
	grouping bool
}

// graph is the encounter and observation tree built from one message.
// Group parents and members are arena indices.
type graph struct {
	encounter   *clinical.Encounter
	appendMode  bool
	nodes       []node
	roots       []nodeID
	valueGroups [][]nodeID
	proposals   []*clinical.ConceptProposal
	relations   []*relation
}

// relation is a relationship to create once the graph is persisted. A nil
// relative.ID means the relative is created too.
type relation struct {
	relative   *clinical.Person
	patientID  int
	typeID     int
	patientIsA bool
}

func newGraph(enc *clinical.Encounter, appendMode bool) *graph {
	return &graph{encounter: enc, appendMode: appendMode}
}

func (g *graph) add(obs *clinical.Observation, parent nodeID, grouping bool) nodeID {
	id := nodeID(len(g.nodes))
	g.nodes = append(g.nodes, node{obs: obs, parent: parent, grouping: grouping})
	if parent == root {
		g.roots = append(g.roots, id)
	} else {
		g.nodes[parent].members = append(g.nodes[parent].members, id)
	}
	return id
}

func (g *graph) obs(id nodeID) *clinical.Observation {
	return g.nodes[id].obs
}

// setEncounter points id and all of its members at encID. A nil encID
// detaches them.
func (g *graph) setEncounter(id nodeID, encID *int) {
	g.nodes[id].obs.EncounterID = encID
	for _, m := range g.nodes[id].members {
		g.setEncounter(m, encID)
	}
}

// detachMember removes id from its group parent.
func (g *graph) detachMember(id nodeID) {
	parent := g.nodes[id].parent
	if parent == root {
		return
	}
	members := g.nodes[parent].members
	for i, m := range members {
		if m == id {
			g.nodes[parent].members = append(members[:i:i], members[i+1:]...)
			break
		}
	}
	g.nodes[id].parent = root
	g.nodes[id].obs.GroupID = nil
}

type persisted struct {
	encounterSaved bool
	observations   int
	proposals      int
	relationships  int
	people         int
}

// persist writes the graph: relationships, the encounter and its
// observation tree (or the observations alone when the encounter is
// invalid), then concept proposals, then value group ids.
func (g *graph) persist(ctx context.Context, repo persistStore) (persisted, error) {
	var out persisted

	for _, rel := range g.relations {
		created, err := rel.save(ctx, repo)
		if err != nil {
			return out, err
		}
		if created {
			out.people++
		}
		out.relationships++
	}

	var encID *int
	if g.encounter.Valid() {
		if err := repo.SaveEncounter(ctx, g.encounter); err != nil {
			return out, fmt.Errorf("save encounter: %w", err)
		}
		id := g.encounter.ID
		encID = &id
		out.encounterSaved = true
	}
	for _, r := range g.roots {
		g.setEncounter(r, encID)
	}
	for _, r := range g.roots {
		n, err := g.saveTree(ctx, repo, r, nil)
		if err != nil {
			return out, err
		}
		out.observations += n
	}

	for _, p := range g.proposals {
		p.EncounterID = encID
		if err := repo.SaveConceptProposal(ctx, p); err != nil {
			return out, fmt.Errorf("save concept proposal: %w", err)
		}
		out.proposals++
	}

	for _, vg := range g.valueGroups {
		index := g.obs(vg[0])
		for i, id := range vg {
			o := g.obs(id)
			groupID := index.ID
			o.ValueGroupID = &groupID
			if i > 0 {
				g.detachMember(id)
			}
			if err := repo.UpdateObservationGroups(ctx, o.ID, o.GroupID, o.ValueGroupID); err != nil {
				return out, fmt.Errorf("update value group of observation %d: %w", o.ID, err)
			}
		}
	}
	return out, nil
}

func (g *graph) saveTree(ctx context.Context, repo clinical.EncounterStore, id nodeID, groupID *int) (int, error) {
	o := g.obs(id)
	o.GroupID = groupID
	if err := repo.SaveObservation(ctx, o); err != nil {
		return 0, fmt.Errorf("save observation for concept %d: %w", o.ConceptID, err)
	}
	saved := 1
	parentID := o.ID
	for _, m := range g.nodes[id].members {
		n, err := g.saveTree(ctx, repo, m, &parentID)
		if err != nil {
			return saved, err
		}
		saved += n
	}
	return saved, nil
}

type persistStore interface {
	clinical.EncounterStore
	clinical.ProposalStore
	clinical.PersonStore
	clinical.RelationshipStore
}

func (r *relation) save(ctx context.Context, repo persistStore) (bool, error) {
	created := false
	if r.relative.ID == 0 {
		if err := repo.CreatePerson(ctx, r.relative); err != nil {
			return false, fmt.Errorf("create relative: %w", err)
		}
		created = true
	}
	rel := &clinical.Relationship{PersonA: r.relative.ID, PersonB: r.patientID, TypeID: r.typeID}
	if r.patientIsA {
		rel.PersonA, rel.PersonB = r.patientID, r.relative.ID
	}
	if err := repo.CreateRelationship(ctx, rel); err != nil {
		return created, fmt.Errorf("create relationship: %w", err)
	}
	return created, nil
}
