package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dshills/complianceq/internal/answers"
	"github.com/dshills/complianceq/internal/depgraph"
	"github.com/dshills/complianceq/internal/domain"
	"github.com/dshills/complianceq/internal/eval"
	"github.com/dshills/complianceq/internal/loader"
	"github.com/dshills/complianceq/internal/render"
	"github.com/dshills/complianceq/internal/store"
	"github.com/dshills/complianceq/internal/store/sqlite"
)

const usage = `Usage: complianceq <command> [flags]

Commands:
  validate <module.yaml>...   check module definitions
  next                        list answerable questions for a module + answers file
  render                      render an output document for a module + answers file
  task new                    create a task backed by the database
  task answer                 record an answer on a task
  task next                   list answerable questions for a task
  task render                 render an output document for a task

Environment:
  COMPLIANCEQ_DB_PATH      database file (default data/complianceq.db)
  COMPLIANCEQ_MODULE_DIR   directory of <module-id>.yaml definitions (default modules)
`

func main() {
	// Missing .env is fine; env vars may come from the shell.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		runValidate(os.Args[2:])
	case "next":
		runNext(os.Args[2:])
	case "render":
		runRender(os.Args[2:])
	case "task":
		runTask(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func runValidate(args []string) {
	if len(args) == 0 {
		log.Fatal("validate: at least one module file required")
	}
	failed := false
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("read %s: %v", path, err)
		}
		if _, err := loader.Load(data); err != nil {
			failed = true
			log.Printf("%s: INVALID: %v", path, err)
			continue
		}
		log.Printf("%s: ok", path)
	}
	if failed {
		os.Exit(1)
	}
}

func runNext(args []string) {
	fs := flag.NewFlagSet("next", flag.ExitOnError)
	modulePath := fs.String("module", "", "module definition file")
	answersPath := fs.String("answers", "", "YAML file of question id -> answer value")
	fs.Parse(args)

	m, current := loadModuleAndAnswers(*modulePath, *answersPath)
	ev := eval.New(depgraph.NewCache(0), nil)
	res, err := ev.Evaluate(current, nil)
	if err != nil {
		log.Fatalf("evaluate: %v", err)
	}
	printNext(m, res)
}

func runRender(args []string) {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	modulePath := fs.String("module", "", "module definition file")
	answersPath := fs.String("answers", "", "YAML file of question id -> answer value")
	outputID := fs.String("output", "", "output document id")
	target := fs.String("target", "html", "target format: html, text, markdown, json, yaml")
	fs.Parse(args)

	m, current := loadModuleAndAnswers(*modulePath, *answersPath)
	ev := eval.New(depgraph.NewCache(0), nil)
	res, err := ev.Evaluate(current, nil)
	if err != nil {
		log.Fatalf("evaluate: %v", err)
	}
	renderOutput(m, res, nil, *outputID, *target)
}

func runTask(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	app := newApp()
	defer app.close()

	switch args[0] {
	case "new":
		app.taskNew(args[1:])
	case "answer":
		app.taskAnswer(args[1:])
	case "next":
		app.taskNext(args[1:])
	case "render":
		app.taskRender(args[1:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// app wires the database-backed commands: store, module catalog, evaluator,
// and the resolver that lets templates follow module answers into sub-tasks.
type app struct {
	store     store.Store
	catalog   *dirCatalog
	evaluator *eval.Evaluator
}

func newApp() *app {
	dbPath := os.Getenv("COMPLIANCEQ_DB_PATH")
	if dbPath == "" {
		dbPath = filepath.Join("data", "complianceq.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatalf("create data directory: %v", err)
	}
	st, err := sqlite.New(dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	moduleDir := os.Getenv("COMPLIANCEQ_MODULE_DIR")
	if moduleDir == "" {
		moduleDir = "modules"
	}
	catalog := &dirCatalog{dir: moduleDir, modules: map[string]*domain.ModuleSpec{}}

	ev := eval.New(depgraph.NewCache(0), st)
	ev.Bind(&store.Resolver{Store: st, Catalog: catalog, Evaluator: ev}, catalog)

	return &app{store: st, catalog: catalog, evaluator: ev}
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		log.Printf("close database: %v", err)
	}
}

func (a *app) taskNew(args []string) {
	fs := flag.NewFlagSet("task new", flag.ExitOnError)
	moduleID := fs.String("module", "", "module id from the module directory")
	title := fs.String("title", "", "task title")
	fs.Parse(args)

	m, err := a.catalog.Module(*moduleID)
	if err != nil {
		log.Fatalf("load module %q: %v", *moduleID, err)
	}
	task := &domain.TaskInfo{ID: uuid.New(), ModuleID: m.ID, Title: *title}
	if task.Title == "" {
		task.Title = m.Title
	}
	if err := a.store.CreateTask(context.Background(), task); err != nil {
		log.Fatalf("create task: %v", err)
	}
	fmt.Println(task.ID)
}

func (a *app) taskAnswer(args []string) {
	fs := flag.NewFlagSet("task answer", flag.ExitOnError)
	taskID := fs.String("task", "", "task id")
	questionID := fs.String("question", "", "question id")
	var values multiFlag
	fs.Var(&values, "value", "answer value (repeatable for multiple-choice)")
	skip := fs.Bool("skip", false, "record a skip instead of a value")
	fs.Parse(args)

	ctx := context.Background()
	task, m := a.loadTask(ctx, *taskID)
	q := m.Question(*questionID)
	if q == nil {
		log.Fatalf("module %s has no question %q", m.ID, *questionID)
	}

	var value any
	if !*skip {
		var err error
		value, err = answers.Parse(q, values)
		if err != nil {
			log.Fatalf("parse answer: %v", err)
		}
	}
	value, err := answers.Validate(q, value)
	if err != nil {
		log.Fatalf("invalid answer: %v", err)
	}

	changed, err := a.store.AppendAnswer(ctx, &domain.AnswerRecord{
		TaskID:     task.ID,
		QuestionID: q.ID,
		Value:      value,
		Method:     domain.AnswerMethodAPI,
	})
	if err != nil {
		log.Fatalf("save answer: %v", err)
	}
	if !changed {
		log.Printf("%s: unchanged", q.ID)
		return
	}
	a.evaluator.InvalidateTasks(task.ID)
	log.Printf("%s: saved", q.ID)
}

func (a *app) taskNext(args []string) {
	fs := flag.NewFlagSet("task next", flag.ExitOnError)
	taskID := fs.String("task", "", "task id")
	fs.Parse(args)

	_, m, res := a.evaluateTask(*taskID)
	printNext(m, res)
}

func (a *app) taskRender(args []string) {
	fs := flag.NewFlagSet("task render", flag.ExitOnError)
	taskID := fs.String("task", "", "task id")
	outputID := fs.String("output", "", "output document id")
	target := fs.String("target", "html", "target format: html, text, markdown, json, yaml")
	fs.Parse(args)

	task, m, res := a.evaluateTask(*taskID)
	resolver := &store.Resolver{Store: a.store, Catalog: a.catalog, Evaluator: a.evaluator}
	renderOutputWith(m, res, task, resolver, a.catalog, *outputID, *target)
}

func (a *app) loadTask(ctx context.Context, id string) (*domain.TaskInfo, *domain.ModuleSpec) {
	taskID, err := uuid.Parse(id)
	if err != nil {
		log.Fatalf("bad task id %q: %v", id, err)
	}
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		log.Fatalf("load task: %v", err)
	}
	m, err := a.catalog.Module(task.ModuleID)
	if err != nil {
		log.Fatalf("load module %q: %v", task.ModuleID, err)
	}
	return task, m
}

func (a *app) evaluateTask(id string) (*domain.TaskInfo, *domain.ModuleSpec, *domain.EvaluationResult) {
	ctx := context.Background()
	task, m := a.loadTask(ctx, id)
	current, err := store.LoadModuleAnswers(ctx, a.store, m, task)
	if err != nil {
		log.Fatalf("load answers: %v", err)
	}
	res, err := a.evaluator.EvaluateTask(current, nil)
	if err != nil {
		log.Fatalf("evaluate: %v", err)
	}
	return task, m, res
}

// loadModuleAndAnswers supports the database-free commands: answers come from
// a YAML mapping of question id to canonical value.
func loadModuleAndAnswers(modulePath, answersPath string) (*domain.ModuleSpec, *domain.ModuleAnswers) {
	if modulePath == "" {
		log.Fatal("-module is required")
	}
	data, err := os.ReadFile(modulePath)
	if err != nil {
		log.Fatalf("read %s: %v", modulePath, err)
	}
	m, err := loader.Load(data)
	if err != nil {
		log.Fatalf("load module: %v", err)
	}

	current := domain.NewModuleAnswers(m, nil)
	if answersPath == "" {
		return m, current
	}
	raw, err := os.ReadFile(answersPath)
	if err != nil {
		log.Fatalf("read %s: %v", answersPath, err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		log.Fatalf("parse %s: %v", answersPath, err)
	}
	for id, value := range values {
		q := m.Question(id)
		if q == nil {
			log.Fatalf("%s: module has no question %q", answersPath, id)
		}
		value, err := answers.Validate(q, value)
		if err != nil {
			log.Fatalf("%s: %v", answersPath, err)
		}
		current.Set(&domain.Answer{Question: q, Answered: value != nil, Value: value})
	}
	return m, current
}

func printNext(m *domain.ModuleSpec, res *domain.EvaluationResult) {
	answered := len(m.Questions) - len(res.Unanswered)
	log.Printf("%s: %d/%d questions resolved", m.ID, answered, len(m.Questions))
	if res.IsFinished() {
		log.Print("module is finished")
		return
	}
	ctx := render.NewContext(res, render.ContextOptions{})
	for _, q := range res.CanAnswer {
		prompt, err := render.Render(
			render.Content{Format: "markdown", Template: q.Prompt},
			ctx, render.FormatText, "question "+q.ID, render.Options{})
		if err != nil {
			log.Fatalf("render prompt for %s: %v", q.ID, err)
		}
		fmt.Printf("%s (%s)\n", q.ID, q.Type)
		if title := strings.TrimSpace(q.Title); title != "" {
			fmt.Printf("  %s\n", title)
		}
		if prompt = strings.TrimSpace(prompt); prompt != "" {
			fmt.Printf("  %s\n", strings.ReplaceAll(prompt, "\n", "\n  "))
		}
	}
}

func renderOutput(m *domain.ModuleSpec, res *domain.EvaluationResult, task *domain.TaskInfo, outputID, target string) {
	renderOutputWith(m, res, task, nil, nil, outputID, target)
}

func renderOutputWith(m *domain.ModuleSpec, res *domain.EvaluationResult, task *domain.TaskInfo, resolver render.TaskResolver, catalog render.ModuleCatalog, outputID, target string) {
	doc := m.Output(outputID)
	if doc == nil {
		log.Fatalf("module %s has no output document %q", m.ID, outputID)
	}
	ctx := render.NewContext(res, render.ContextOptions{Resolver: resolver, Catalog: catalog})
	var ropts render.Options
	if task != nil {
		ropts.Assets = task.Assets
	}
	out, err := render.Render(
		render.Content{Format: doc.Format, Template: doc.Template},
		ctx, render.Format(target), "output:"+doc.ID, ropts)
	if err != nil {
		log.Fatalf("render output: %v", err)
	}
	fmt.Println(out)
}

// dirCatalog loads module definitions from <dir>/<module-id>.yaml, once.
type dirCatalog struct {
	dir     string
	mu      sync.Mutex
	modules map[string]*domain.ModuleSpec
}

func (c *dirCatalog) Module(id string) (*domain.ModuleSpec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.modules[id]; ok {
		return m, nil
	}
	data, err := os.ReadFile(filepath.Join(c.dir, id+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("module %q: %w", id, err)
	}
	m, err := loader.Load(data)
	if err != nil {
		return nil, err
	}
	if m.ID != id {
		return nil, fmt.Errorf("module file %s.yaml declares id %q", id, m.ID)
	}
	c.modules[id] = m
	return m, nil
}

// multiFlag collects repeated -value flags.
type multiFlag []string

func (f *multiFlag) String() string { return strings.Join(*f, ",") }

func (f *multiFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}
