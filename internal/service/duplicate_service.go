package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/examhub/examhub-go-api/internal/models"
	"github.com/examhub/examhub-go-api/internal/repository"
)

const shingleSize = 4

// DuplicateCandidate is one successfully imported submission offered to the
// duplicate detector.
type DuplicateCandidate struct {
	SubmissionID   uint
	StudentCode    string
	Checksum       string
	NormalizedText string
	ExtractedAt    time.Time
}

// DuplicateService finds clusters of near-identical submissions within a job.
type DuplicateService interface {
	Detect(ctx context.Context, jobID, examID uint, candidates []DuplicateCandidate) ([]models.DuplicateGroup, error)
	ListByJob(ctx context.Context, jobID uint) ([]models.DuplicateGroup, error)
}

type duplicateService struct {
	repo      repository.DuplicateRepository
	threshold float64
	logger    zerolog.Logger
}

// NewDuplicateService constructs the duplicate detector.
func NewDuplicateService(repo repository.DuplicateRepository, threshold float64, logger zerolog.Logger) DuplicateService {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.82
	}
	return &duplicateService{
		repo:      repo,
		threshold: threshold,
		logger:    logger.With().Str("component", "duplicate_service").Logger(),
	}
}

// Detect compares every candidate pair within the job and persists the
// resulting groups. Identical checksums always group; textual content groups
// when shingle similarity meets the threshold. Similarity is transitive for
// grouping purposes, so chains collapse into a single group.
func (s *duplicateService) Detect(ctx context.Context, jobID, examID uint, candidates []DuplicateCandidate) ([]models.DuplicateGroup, error) {
	if len(candidates) < 2 {
		return nil, nil
	}

	shingles := make([]map[string]struct{}, len(candidates))
	for i, candidate := range candidates {
		shingles[i] = shingleSet(candidate.NormalizedText)
	}

	uf := newUnionFind(len(candidates))
	pairScore := map[[2]int]float64{}

	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			score := s.similarity(candidates[i], candidates[j], shingles[i], shingles[j])
			if score < s.threshold {
				continue
			}
			uf.union(i, j)
			pairScore[[2]int{i, j}] = score
		}
	}

	clusters := map[int][]int{}
	for i := range candidates {
		root := uf.find(i)
		clusters[root] = append(clusters[root], i)
	}

	groups := make([]models.DuplicateGroup, 0)
	for _, members := range clusters {
		if len(members) < 2 {
			continue
		}

		group := s.buildGroup(jobID, examID, candidates, members, pairScore, uf)
		if err := s.repo.CreateGroup(ctx, &group); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}

	if len(groups) > 0 {
		s.logger.Info().
			Uint("job_id", jobID).
			Int("groups", len(groups)).
			Msg("duplicate groups detected")
	}

	return groups, nil
}

func (s *duplicateService) ListByJob(ctx context.Context, jobID uint) ([]models.DuplicateGroup, error) {
	return s.repo.ListByJob(ctx, jobID)
}

// similarity scores a candidate pair. Byte-identical payloads are always 1.0;
// otherwise textual shingle overlap decides, and binary payloads with
// differing checksums never match.
func (s *duplicateService) similarity(a, b DuplicateCandidate, shinglesA, shinglesB map[string]struct{}) float64 {
	if a.Checksum != "" && a.Checksum == b.Checksum {
		return 1.0
	}
	if len(shinglesA) == 0 || len(shinglesB) == 0 {
		return 0
	}
	return jaccard(shinglesA, shinglesB)
}

func (s *duplicateService) buildGroup(jobID, examID uint, candidates []DuplicateCandidate, members []int, pairScore map[[2]int]float64, uf *unionFind) models.DuplicateGroup {
	// Rank members by extraction time; the earliest is the presumed original.
	sort.Slice(members, func(x, y int) bool {
		a, b := candidates[members[x]], candidates[members[y]]
		if !a.ExtractedAt.Equal(b.ExtractedAt) {
			return a.ExtractedAt.Before(b.ExtractedAt)
		}
		return a.StudentCode < b.StudentCode
	})

	// The group similarity is the strongest pairwise link inside the cluster.
	maxScore := 0.0
	for pair, score := range pairScore {
		if uf.find(pair[0]) == uf.find(members[0]) && score > maxScore {
			maxScore = score
		}
	}

	group := models.DuplicateGroup{
		JobID:      jobID,
		ExamID:     examID,
		Similarity: maxScore,
		Members:    make([]models.DuplicateGroupMember, 0, len(members)),
	}

	for rank, idx := range members {
		group.Members = append(group.Members, models.DuplicateGroupMember{
			SubmissionID: candidates[idx].SubmissionID,
			StudentCode:  candidates[idx].StudentCode,
			Rank:         rank,
		})
	}

	return group
}

func shingleSet(text string) map[string]struct{} {
	words := strings.Fields(text)
	if len(words) < shingleSize {
		if len(words) == 0 {
			return nil
		}
		return map[string]struct{}{strings.Join(words, " "): {}}
	}

	set := make(map[string]struct{}, len(words)-shingleSize+1)
	for i := 0; i+shingleSize <= len(words); i++ {
		set[strings.Join(words[i:i+shingleSize], " ")] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}

	intersection := 0
	for shingle := range small {
		if _, ok := large[shingle]; ok {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), size: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.size[i] = 1
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.size[ra] < u.size[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
}
