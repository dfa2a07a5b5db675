package modhub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cucumber/godog"
)

// Static errors for BDD steps
var (
	errUnexpectedDispatch  = errors.New("unexpected dispatch result")
	errUnexpectedCount     = errors.New("unexpected count")
	errExpectedDuplicate   = errors.New("expected a duplicate identifier error")
	errRunnerReplaced      = errors.New("module runner was replaced")
	errRunnerNotAccepting  = errors.New("module runner no longer accepts work")
	errModuleNotRegistered = errors.New("module not registered in scenario")
)

// shapeCheckingModule expects events carrying a single string.
type shapeCheckingModule struct {
	id string

	mu       sync.Mutex
	handled  int
	accepted int
	rejected int
}

func (m *shapeCheckingModule) Identifier() string { return m.id }

func (m *shapeCheckingModule) Exec(_ context.Context, ev *Event) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handled++
	if !ev.Payload().CheckShape(Shape[string]()) {
		m.rejected++
		return nil, nil
	}
	m.accepted++
	return nil, nil
}

func (m *shapeCheckingModule) counts() (handled, accepted, rejected int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handled, m.accepted, m.rejected
}

// RuntimeBDDTestContext holds the state of one scenario.
type RuntimeBDDTestContext struct {
	gmc           *GlobalModuleContext
	modules       map[string]*shapeCheckingModule
	runners       map[string]*TaskRunner
	lastTrigger   bool
	registerError error
}

func (c *RuntimeBDDTestContext) reset() {
	if c.gmc != nil {
		_ = c.gmc.Shutdown(context.Background())
	}
	c.gmc = nil
	c.modules = make(map[string]*shapeCheckingModule)
	c.runners = make(map[string]*TaskRunner)
	c.lastTrigger = false
	c.registerError = nil
}

func (c *RuntimeBDDTestContext) aRunningModuleContext() error {
	gmc, err := NewGlobalModuleContext(nil)
	if err != nil {
		return err
	}
	c.gmc = gmc
	return nil
}

func (c *RuntimeBDDTestContext) aModuleListeningToExpectingASingleString(id, eventID string) error {
	m := &shapeCheckingModule{id: id}
	if err := c.gmc.RegisterModule(m); err != nil {
		return err
	}
	if err := c.gmc.ListenEvent(id, eventID); err != nil {
		return err
	}
	if err := c.gmc.ActivateModule(id); err != nil {
		return err
	}
	runner, _ := c.gmc.GetTaskRunner(id)
	c.modules[id] = m
	c.runners[id] = runner
	return nil
}

func (c *RuntimeBDDTestContext) iTriggerWithTheString(eventID, value string) error {
	return c.trigger(NewEvent(eventID, TransferParams(value)))
}

func (c *RuntimeBDDTestContext) iTriggerWithTheNumber(eventID string, value int) error {
	return c.trigger(NewEvent(eventID, TransferParams(value)))
}

func (c *RuntimeBDDTestContext) trigger(ev *Event) error {
	c.lastTrigger = c.gmc.TriggerEvent(context.Background(), ev)
	return c.flushAll()
}

func (c *RuntimeBDDTestContext) flushAll() error {
	for id, runner := range c.runners {
		if err := runner.Flush(context.Background()); err != nil {
			return fmt.Errorf("flush %s: %w", id, err)
		}
	}
	return nil
}

func (c *RuntimeBDDTestContext) module(id string) (*shapeCheckingModule, error) {
	m, ok := c.modules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errModuleNotRegistered, id)
	}
	return m, nil
}

func (c *RuntimeBDDTestContext) moduleShouldHaveHandledEvents(id string, want int) error {
	m, err := c.module(id)
	if err != nil {
		return err
	}
	if handled, _, _ := m.counts(); handled != want {
		return fmt.Errorf("%w: %s handled %d events, want %d", errUnexpectedCount, id, handled, want)
	}
	return nil
}

func (c *RuntimeBDDTestContext) moduleShouldHaveAcceptedPayloads(id string, want int) error {
	m, err := c.module(id)
	if err != nil {
		return err
	}
	if _, accepted, _ := m.counts(); accepted != want {
		return fmt.Errorf("%w: %s accepted %d payloads, want %d", errUnexpectedCount, id, accepted, want)
	}
	return nil
}

func (c *RuntimeBDDTestContext) moduleShouldHaveRejectedPayloads(id string, want int) error {
	m, err := c.module(id)
	if err != nil {
		return err
	}
	if _, _, rejected := m.counts(); rejected != want {
		return fmt.Errorf("%w: %s rejected %d payloads, want %d", errUnexpectedCount, id, rejected, want)
	}
	return nil
}

func (c *RuntimeBDDTestContext) theRunnerOfModuleShouldStillAcceptWork(id string) error {
	runner, ok := c.gmc.GetTaskRunner(id)
	if !ok {
		return fmt.Errorf("%w: %s", errModuleNotRegistered, id)
	}
	if err := runner.Flush(context.Background()); err != nil {
		return fmt.Errorf("%w: %w", errRunnerNotAccepting, err)
	}
	return nil
}

func (c *RuntimeBDDTestContext) iDeactivateModule(id string) error {
	return c.gmc.DeactivateModule(id)
}

func (c *RuntimeBDDTestContext) iActivateModule(id string) error {
	return c.gmc.ActivateModule(id)
}

func (c *RuntimeBDDTestContext) theTriggerShouldReportNoDispatch() error {
	if c.lastTrigger {
		return fmt.Errorf("%w: expected no dispatch", errUnexpectedDispatch)
	}
	return nil
}

func (c *RuntimeBDDTestContext) theTriggerShouldReportADispatch() error {
	if !c.lastTrigger {
		return fmt.Errorf("%w: expected a dispatch", errUnexpectedDispatch)
	}
	return nil
}

func (c *RuntimeBDDTestContext) iRegisterAnotherModule(id string) error {
	c.registerError = c.gmc.RegisterModule(&shapeCheckingModule{id: id})
	return nil
}

func (c *RuntimeBDDTestContext) theRegistrationShouldFailWithADuplicateIdentifierError() error {
	if !errors.Is(c.registerError, ErrDuplicateIdentifier) {
		return fmt.Errorf("%w, got %v", errExpectedDuplicate, c.registerError)
	}
	return nil
}

func (c *RuntimeBDDTestContext) moduleShouldKeepItsOriginalRunner(id string) error {
	runner, ok := c.gmc.GetTaskRunner(id)
	if !ok || runner != c.runners[id] {
		return fmt.Errorf("%w: %s", errRunnerReplaced, id)
	}
	return nil
}

// InitializeRuntimeScenario wires the step definitions.
func InitializeRuntimeScenario(ctx *godog.ScenarioContext) {
	testCtx := &RuntimeBDDTestContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		testCtx.reset()
		return ctx, nil
	})
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		testCtx.reset()
		return ctx, nil
	})

	ctx.Step(`^a running module context$`, testCtx.aRunningModuleContext)
	ctx.Step(`^a module "([^"]*)" listening to "([^"]*)" expecting a single string$`, testCtx.aModuleListeningToExpectingASingleString)
	ctx.Step(`^I trigger "([^"]*)" with the string "([^"]*)"$`, testCtx.iTriggerWithTheString)
	ctx.Step(`^I trigger "([^"]*)" with the number (\d+)$`, testCtx.iTriggerWithTheNumber)
	ctx.Step(`^module "([^"]*)" should have handled (\d+) events?$`, testCtx.moduleShouldHaveHandledEvents)
	ctx.Step(`^module "([^"]*)" should have accepted (\d+) payloads?$`, testCtx.moduleShouldHaveAcceptedPayloads)
	ctx.Step(`^module "([^"]*)" should have rejected (\d+) payloads?$`, testCtx.moduleShouldHaveRejectedPayloads)
	ctx.Step(`^the runner of module "([^"]*)" should still accept work$`, testCtx.theRunnerOfModuleShouldStillAcceptWork)
	ctx.Step(`^I deactivate module "([^"]*)"$`, testCtx.iDeactivateModule)
	ctx.Step(`^I activate module "([^"]*)"$`, testCtx.iActivateModule)
	ctx.Step(`^the trigger should report no dispatch$`, testCtx.theTriggerShouldReportNoDispatch)
	ctx.Step(`^the trigger should report a dispatch$`, testCtx.theTriggerShouldReportADispatch)
	ctx.Step(`^I register another module "([^"]*)"$`, testCtx.iRegisterAnotherModule)
	ctx.Step(`^the registration should fail with a duplicate identifier error$`, testCtx.theRegistrationShouldFailWithADuplicateIdentifierError)
	ctx.Step(`^module "([^"]*)" should keep its original runner$`, testCtx.moduleShouldKeepItsOriginalRunner)
}

func TestModuleRuntimeFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeRuntimeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/module_runtime.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
