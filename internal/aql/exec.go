package aql

import (
	"github.com/kartikbazzad/cursordb/internal/catalog"
	apierr "github.com/kartikbazzad/cursordb/internal/errors"
	"github.com/kartikbazzad/cursordb/internal/eval"
	"github.com/kartikbazzad/cursordb/internal/producer"
	"github.com/kartikbazzad/cursordb/internal/value"
)

// Build turns a parsed statement into a result producer. Collection
// reads snapshot the collection at build time; FILTER and computed
// RETURN expressions are evaluated row by row as the cursor layer pulls.
func Build(stmt *Statement, cat *catalog.Catalog, eng *eval.Engine, bindVars map[string]value.Value) (producer.Producer, error) {
	for _, name := range stmt.BindVars {
		if _, ok := bindVars[name]; !ok {
			return nil, apierr.Numbered(apierr.NumBadParameter, "no value provided for bind parameter @%s", name)
		}
	}

	var base producer.Producer
	switch stmt.Source {
	case SourceRange:
		base = producer.NewRange(stmt.RangeLo, stmt.RangeHi)
	case SourceCollection:
		coll, err := cat.Get(stmt.Collection)
		if err != nil {
			return nil, &apierr.APIError{
				Num:     apierr.NumCollectionUnknown,
				Message: "collection or view not found: " + stmt.Collection,
				Err:     err,
			}
		}
		base = producer.FromSlice(coll.Snapshot())
	}

	bind := make(map[string]interface{}, len(bindVars))
	for k, v := range bindVars {
		bind[k] = v
	}

	return &rowProducer{
		stmt: stmt,
		eng:  eng,
		base: base,
		bind: bind,
	}, nil
}

// rowProducer applies FILTER, LIMIT and RETURN on top of a base row
// source. It looks one row ahead so HasMore also covers a pending
// failure, which Next then surfaces.
type rowProducer struct {
	stmt *Statement
	eng  *eval.Engine
	base producer.Producer // nil for a bare RETURN
	bind map[string]interface{}

	pending    value.Value
	pendingErr error
	ready      bool
	done       bool
	skipped    int
	emitted    int
	scanned    int
	filtered   int
}

// Stats reports rows pulled from the base source and rows the FILTER
// rejected, for the execution statistics block.
func (p *rowProducer) Stats() (scanned, filtered int) {
	return p.scanned, p.filtered
}

func (p *rowProducer) HasMore() bool {
	p.advance()
	return p.ready
}

func (p *rowProducer) Next() (value.Value, error) {
	p.advance()
	if !p.ready {
		return nil, apierr.Numbered(apierr.NumExecutionFailed, "producer exhausted")
	}
	row, err := p.pending, p.pendingErr
	p.pending, p.pendingErr, p.ready = nil, nil, false
	if err != nil {
		p.done = true
	}
	return row, err
}

func (p *rowProducer) advance() {
	if p.ready || p.done {
		return
	}
	if p.stmt.HasLimit && p.emitted >= p.stmt.Count {
		p.done = true
		return
	}

	if p.base == nil {
		// bare RETURN yields exactly one row
		p.stage(p.project(nil))
		p.done = true
		return
	}

	for p.base.HasMore() {
		row, err := p.base.Next()
		if err != nil {
			p.stage(nil, err)
			return
		}
		p.scanned++

		if p.stmt.Filter != "" {
			ok, err := p.eng.EvaluateBool(p.stmt.Filter, p.vars(row))
			if err != nil {
				p.stage(nil, err)
				return
			}
			if !ok {
				p.filtered++
				continue
			}
		}

		if p.stmt.HasLimit && p.skipped < p.stmt.Offset {
			p.skipped++
			continue
		}

		p.stage(p.project(row))
		p.emitted++
		return
	}
	p.done = true
}

func (p *rowProducer) stage(row value.Value, err error) {
	p.pending = row
	p.pendingErr = err
	p.ready = true
}

func (p *rowProducer) vars(row value.Value) map[string]value.Value {
	vars := map[string]value.Value{"bind": map[string]interface{}(p.bind)}
	if p.stmt.Var != "" {
		vars[p.stmt.Var] = row
	}
	return vars
}

func (p *rowProducer) project(row value.Value) (value.Value, error) {
	switch {
	case p.stmt.ReturnPath != nil:
		if len(p.stmt.ReturnPath) == 1 {
			return row, nil
		}
		v, ok := value.Field(row, p.stmt.ReturnPath[1:])
		if !ok {
			return nil, nil // missing attribute projects as null
		}
		return v, nil
	case p.stmt.BindReturn != "":
		return p.bind[p.stmt.BindReturn], nil
	default:
		return p.eng.Evaluate(p.stmt.Return, p.vars(row))
	}
}
