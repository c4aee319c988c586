package crew

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GraphOptions are used to configure a graph.
type GraphOptions struct {
	Name            string   `json:"name" yaml:"name"`
	Description     string   `json:"description,omitempty" yaml:"description,omitempty"`
	Steps           []*Step  `json:"steps" yaml:"steps"`
	InterruptBefore StepName `json:"interrupt_before,omitempty" yaml:"interrupt_before,omitempty"`
}

// Graph is a fixed linear chain of named steps with one interrupt boundary.
// A Graph is immutable once constructed.
type Graph struct {
	name            string
	description     string
	steps           []*Step
	stepsByName     map[StepName]*Step
	start           *Step
	interruptBefore StepName
}

// NewGraph validates the options and returns a Graph. Every failure is a
// *ConfigurationError.
func NewGraph(opts GraphOptions) (*Graph, error) {
	if opts.Name == "" {
		return nil, configErrorf("graph name required")
	}
	if len(opts.Steps) == 0 {
		return nil, configErrorf("steps required")
	}

	stepsByName := make(map[StepName]*Step, len(opts.Steps))
	for _, step := range opts.Steps {
		if step == nil || step.Name == "" {
			return nil, configErrorf("step name required")
		}
		if !step.Name.IsValid() {
			return nil, configErrorf("unknown step %q", step.Name)
		}
		if _, dup := stepsByName[step.Name]; dup {
			return nil, configErrorf("duplicate step %q", step.Name)
		}
		if step.Func == nil {
			return nil, configErrorf("step %q has no function", step.Name)
		}
		stepsByName[step.Name] = step
	}

	if err := validateGraphSteps(opts.Steps[0], stepsByName); err != nil {
		return nil, err
	}

	if opts.InterruptBefore != "" {
		if _, ok := stepsByName[opts.InterruptBefore]; !ok {
			return nil, configErrorf("interrupt boundary %q is not a step in the graph", opts.InterruptBefore)
		}
		if opts.InterruptBefore == opts.Steps[0].Name {
			return nil, configErrorf("interrupt boundary %q cannot be the first step", opts.InterruptBefore)
		}
	}

	// Copy the steps so later changes to opts cannot alter the graph.
	steps := make([]*Step, len(opts.Steps))
	byName := make(map[StepName]*Step, len(opts.Steps))
	for i, s := range opts.Steps {
		c := *s
		steps[i] = &c
		byName[c.Name] = &c
	}

	return &Graph{
		name:            opts.Name,
		description:     opts.Description,
		steps:           steps,
		stepsByName:     byName,
		start:           steps[0],
		interruptBefore: opts.InterruptBefore,
	}, nil
}

// validateGraphSteps checks that the edges are total over the closed set of
// step names, point at known steps or Terminal, and form a single acyclic
// chain that visits every step exactly once.
func validateGraphSteps(start *Step, stepsByName map[StepName]*Step) error {
	for _, name := range StepNames {
		if _, ok := stepsByName[name]; !ok {
			return configErrorf("step %q missing from graph", name)
		}
	}
	for _, step := range stepsByName {
		if step.Next == "" {
			return configErrorf("step %q has no outgoing edge", step.Name)
		}
		if step.Next == Terminal {
			continue
		}
		if _, ok := stepsByName[step.Next]; !ok {
			return configErrorf("edge from %q to unknown step %q", step.Name, step.Next)
		}
	}

	visited := make(map[StepName]bool, len(stepsByName))
	current := start
	for {
		if visited[current.Name] {
			return configErrorf("cycle detected at step %q", current.Name)
		}
		visited[current.Name] = true
		if current.Next == Terminal {
			break
		}
		current = stepsByName[current.Next]
	}
	if len(visited) != len(stepsByName) {
		return configErrorf("graph has %d steps unreachable from %q", len(stepsByName)-len(visited), start.Name)
	}
	return nil
}

// Name returns the graph name
func (g *Graph) Name() string {
	return g.name
}

// Description returns the graph description
func (g *Graph) Description() string {
	return g.description
}

// Steps returns copies of the graph steps in declaration order. Changing
// them does not change the graph.
func (g *Graph) Steps() []*Step {
	steps := make([]*Step, 0, len(g.steps))
	for _, step := range g.steps {
		c := *step
		steps = append(steps, &c)
	}
	return steps
}

// Start returns a copy of the first step of the graph
func (g *Graph) Start() *Step {
	c := *g.start
	return &c
}

// InterruptBefore returns the step the engine halts before, or "" when the
// graph has no boundary.
func (g *Graph) InterruptBefore() StepName {
	return g.interruptBefore
}

// GetStep returns a copy of the named step
func (g *Graph) GetStep(name StepName) (*Step, bool) {
	step, ok := g.stepsByName[name]
	if !ok {
		return nil, false
	}
	c := *step
	return &c, true
}

// Next returns the successor of the named step.
func (g *Graph) Next(name StepName) (StepName, bool) {
	step, ok := g.stepsByName[name]
	if !ok {
		return "", false
	}
	return step.Next, true
}

// Order returns the step names in execution order, ending with Terminal.
func (g *Graph) Order() []StepName {
	order := make([]StepName, 0, len(g.steps)+1)
	for current := g.start; ; {
		order = append(order, current.Name)
		if current.Next == Terminal {
			break
		}
		current = g.stepsByName[current.Next]
	}
	return append(order, Terminal)
}

// ResearchGraphName is the name of the standard research graph
const ResearchGraphName = "research-crew"

// NewResearchGraph builds the standard chain researcher, analyst, writer,
// reviewer with the interrupt boundary before reviewer.
func NewResearchGraph(funcs map[StepName]StepFunc) (*Graph, error) {
	return NewGraph(GraphOptions{
		Name:        ResearchGraphName,
		Description: "Research a topic, analyze it, draft a report, and wait for human review",
		Steps: []*Step{
			{Name: StepResearcher, Description: "Search for the task", Next: StepAnalyst, Func: funcs[StepResearcher]},
			{Name: StepAnalyst, Description: "Identify trends in the research", Next: StepWriter, Func: funcs[StepAnalyst]},
			{Name: StepWriter, Description: "Draft the report", Next: StepReviewer, Func: funcs[StepWriter]},
			{Name: StepReviewer, Description: "Annotate the approved draft", Next: Terminal, Func: funcs[StepReviewer]},
		},
		InterruptBefore: StepReviewer,
	})
}

// LoadGraphFile loads a graph definition from a YAML file and binds each
// declared step to its function in funcs.
func LoadGraphFile(path string, funcs map[StepName]StepFunc) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	return LoadGraphString(string(data), funcs)
}

// LoadGraphString loads a graph definition from a YAML string.
func LoadGraphString(data string, funcs map[StepName]StepFunc) (*Graph, error) {
	var opts GraphOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, &ConfigurationError{Reason: "failed to unmarshal graph definition", Wrapped: err}
	}
	for _, step := range opts.Steps {
		if step == nil {
			continue
		}
		step.Func = funcs[step.Name]
	}
	return NewGraph(opts)
}
