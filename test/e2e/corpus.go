// Package e2e runs the full ingest, batch, and scoring pipeline over a generated labeled corpus.
package e2e

import (
	"fmt"
	"strings"

	"github.com/hyperjump/hybridrag/internal/models"
)

// Dataset names used by the generated corpus.
const (
	DatasetTech = "tech"
	DatasetData = "data"
)

type topic struct {
	title   string
	phrase  string
	content string
}

var topics = []topic{
	{"Python Guide", "Python programming language", "Python is a high-level programming language. Python programming language is used for web development and data science."},
	{"Kubernetes Docs", "Kubernetes container orchestration", "Kubernetes is an open-source orchestration platform. Kubernetes container orchestration automates deployment and scaling."},
	{"React Tutorial", "React hooks and components", "React is a JavaScript library. React hooks and components enable building user interfaces."},
	{"Go Language", "golang goroutines and channels", "Go is a statically typed language. Concurrency in golang uses goroutines and channels."},
	{"PostgreSQL Manual", "PostgreSQL relational database", "PostgreSQL is an advanced relational database with JSON support and full-text search."},
	{"Docker Handbook", "Docker container images", "Docker builds and ships applications. Docker container images are portable across environments."},
	{"Machine Learning", "machine learning algorithms", "Machine learning is a subset of AI. Machine learning algorithms learn patterns from data."},
	{"Neural Networks", "neural network deep learning", "Neural networks are inspired by the brain. Neural network deep learning powers modern vision models."},
	{"GraphQL Overview", "GraphQL query language", "GraphQL lets clients request exactly the fields they need from an API."},
	{"Redis Cache", "Redis in-memory cache", "Redis is an in-memory data store. Redis in-memory cache holds sessions and hot keys."},
	{"Terraform IaC", "Terraform infrastructure as code", "Terraform manages cloud infrastructure. Terraform infrastructure as code is declarative."},
	{"Prometheus Metrics", "Prometheus monitoring metrics", "Prometheus scrapes targets. Prometheus monitoring metrics are stored as time series."},
	{"gRPC Overview", "gRPC remote procedure calls", "gRPC is a high-performance RPC framework over HTTP/2 with protobuf messages."},
	{"OAuth", "OAuth authorization framework", "OAuth enables delegated access. The OAuth authorization framework issues scoped tokens."},
	{"Git Workflow", "Git version control", "Git is a distributed version control system that tracks changes in source code."},
	{"Kafka Streams", "Apache Kafka streaming", "Apache Kafka is a distributed event log. Apache Kafka streaming handles high throughput."},
	{"Nginx Config", "Nginx reverse proxy", "Nginx is a web server and reverse proxy that balances load and serves static files."},
	{"Cryptography Basics", "cryptography encryption keys", "Cryptography secures data. Encryption keys protect ciphertext from tampering."},
	{"Load Balancing", "load balancing high availability", "Load balancers distribute traffic. Load balancing high availability removes single points of failure."},
	{"Event Sourcing", "event sourcing CQRS", "Event sourcing stores state as events. Event sourcing with CQRS separates read and write models."},
}

// Corpus is a generated labeled evaluation set.
type Corpus struct {
	Documents []*models.Document
	Queries   []*models.Query
}

// BuildCorpus returns one gold document per topic plus, for every fourth topic, a
// companion document that makes the query multi-hop with two gold ids. Topics alternate
// between the tech and data datasets.
func BuildCorpus() *Corpus {
	c := &Corpus{}
	for i, t := range topics {
		dataset := DatasetTech
		if i%2 == 1 {
			dataset = DatasetData
		}
		docID := fmt.Sprintf("e2e-doc-%03d", i+1)
		c.Documents = append(c.Documents, &models.Document{
			ID:            docID,
			Content:       t.title + ". " + t.content,
			SourceDataset: dataset,
			OriginalID:    strings.ToLower(strings.ReplaceAll(t.title, " ", "-")),
			IsGold:        true,
		})
		q := &models.Query{
			QuestionID:    fmt.Sprintf("e2e-q-%03d", i+1),
			Question:      "What is " + t.phrase + "?",
			GoldAnswer:    t.content,
			GoldDocIDs:    []string{docID},
			QuestionType:  models.QuestionSingleHop,
			SourceDataset: dataset,
		}
		if i%4 == 3 {
			companion := docID + "-b"
			c.Documents = append(c.Documents, &models.Document{
				ID:            companion,
				Content:       "More on " + t.phrase + ": " + t.title + " in practice.",
				SourceDataset: dataset,
				IsGold:        true,
			})
			q.GoldDocIDs = append(q.GoldDocIDs, companion)
			q.QuestionType = models.QuestionMultiHop
		}
		c.Queries = append(c.Queries, q)
	}
	return c
}

// GoldCount returns the total number of gold ids over all queries.
func (c *Corpus) GoldCount() int {
	n := 0
	for _, q := range c.Queries {
		n += len(q.GoldDocIDs)
	}
	return n
}

// Count returns the number of queries whose dataset (or question type) equals name.
func (c *Corpus) Count(name string) int {
	n := 0
	for _, q := range c.Queries {
		if q.SourceDataset == name || string(q.QuestionType) == name {
			n++
		}
	}
	return n
}
