package scheduler_test

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aussrc/possum-coordinator/internal/config"
	"github.com/aussrc/possum-coordinator/internal/messaging"
	"github.com/aussrc/possum-coordinator/internal/scheduler"
	st "github.com/aussrc/possum-coordinator/internal/store"
	"github.com/aussrc/possum-coordinator/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

const (
	insertObservationStm = `INSERT INTO observations
		(name, band, sbid, validated_state, cube_state, cube_sent, mfs_state, mfs_sent)
		VALUES ('%s', %d, %d, '%s', %s, %t, %s, %t);`

	insertTileStm        = "INSERT INTO tiles (tile) VALUES (%d);"
	insertAssociationStm = "INSERT INTO associated_tiles (name, tile) VALUES ('%s', %d);"
)

type fakePublisher struct {
	jobs []messaging.JobSubmission
}

func (f *fakePublisher) Publish(_ context.Context, body []byte) error {
	var job messaging.JobSubmission
	if err := json.Unmarshal(body, &job); err != nil {
		return err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func quoted(state string) string {
	if state == "" {
		return "NULL"
	}
	return fmt.Sprintf("'%s'", state)
}

func seedObservation(db *gorm.DB, name string, band int, sbid int64, cubeState, mfsState string, sent bool) {
	tx := db.Exec(fmt.Sprintf(insertObservationStm, name, band, sbid, "GOOD", quoted(cubeState), sent, quoted(mfsState), sent))
	Expect(tx.Error).To(BeNil())
}

var _ = Describe("submission scheduler", Ordered, func() {
	var (
		s         st.Store
		gormdb    *gorm.DB
		cfg       *config.Config
		publisher *fakePublisher
		sched     *scheduler.Scheduler
	)

	BeforeAll(func() {
		cfg = config.NewDefault()
		db, err := st.InitDB(cfg)
		Expect(err).To(BeNil())

		s = st.NewStore(db)
		gormdb = db
		Expect(s.InitialMigration()).To(Succeed())
	})

	AfterAll(func() {
		s.Close()
	})

	BeforeEach(func() {
		cfg.Service.DryRun = false
		publisher = &fakePublisher{}
		sched = scheduler.New(s, publisher, cfg)
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM observations;")
		gormdb.Exec("DELETE FROM associated_tiles;")
		gormdb.Exec("DELETE FROM tiles;")
	})

	Context("per-observation submission", func() {
		It("submits eligible observations lowest sbid first", func() {
			seedObservation(gormdb, "EMU_0003", 1, 3003, "", "", false)
			seedObservation(gormdb, "EMU_0001", 1, 1001, "", "", false)
			seedObservation(gormdb, "EMU_0002", 1, 2002, "", "", false)

			Expect(sched.Tick(context.TODO())).To(Succeed())

			// three cube jobs then three mfs jobs
			Expect(publisher.jobs).To(HaveLen(6))
			Expect(publisher.jobs[0].PipelineKey).To(Equal(cfg.Pipeline.CubeKey))
			Expect(publisher.jobs[0].Params["SBID"]).To(Equal(float64(1001)))
			Expect(publisher.jobs[1].Params["SBID"]).To(Equal(float64(2002)))
			Expect(publisher.jobs[2].Params["SBID"]).To(Equal(float64(3003)))
			Expect(publisher.jobs[3].PipelineKey).To(Equal(cfg.Pipeline.MfsKey))

			obs, err := s.Observation().Get(context.TODO(), "EMU_0001")
			Expect(err).To(BeNil())
			Expect(obs.CubeSent).To(BeTrue())
			Expect(*obs.CubeState).To(Equal(model.StateSubmitted))
			Expect(obs.MfsSent).To(BeTrue())
		})

		It("never submits the same observation twice", func() {
			seedObservation(gormdb, "EMU_0001", 1, 1001, "", "", false)

			Expect(sched.Tick(context.TODO())).To(Succeed())
			Expect(publisher.jobs).To(HaveLen(2))

			Expect(sched.Tick(context.TODO())).To(Succeed())
			Expect(publisher.jobs).To(HaveLen(2))
		})

		It("submits only the remaining capacity", func() {
			seedObservation(gormdb, "EMU_0001", 1, 1001, "RUNNING", "COMPLETED", true)
			seedObservation(gormdb, "EMU_0002", 1, 2002, "QUEUED", "COMPLETED", true)
			seedObservation(gormdb, "EMU_0003", 1, 3003, "", "", false)
			seedObservation(gormdb, "EMU_0004", 1, 4004, "", "", false)

			Expect(sched.Tick(context.TODO())).To(Succeed())

			var cubeJobs []messaging.JobSubmission
			for _, job := range publisher.jobs {
				if job.PipelineKey == cfg.Pipeline.CubeKey {
					cubeJobs = append(cubeJobs, job)
				}
			}
			Expect(cubeJobs).To(HaveLen(1))
			Expect(cubeJobs[0].Params["SBID"]).To(Equal(float64(3003)))

			count, err := s.Observation().CountInFlight(context.TODO(), model.ProductCube)
			Expect(err).To(BeNil())
			Expect(count).To(BeNumerically("<=", cfg.Service.SubmitLimit))
		})

		It("skips submission entirely at the cap", func() {
			seedObservation(gormdb, "EMU_0001", 1, 1001, "RUNNING", "", true)
			seedObservation(gormdb, "EMU_0002", 1, 2002, "QUEUED", "", true)
			seedObservation(gormdb, "EMU_0003", 1, 3003, "SUBMITTED", "", true)
			seedObservation(gormdb, "EMU_0004", 1, 4004, "", "", false)

			Expect(sched.Tick(context.TODO())).To(Succeed())

			for _, job := range publisher.jobs {
				Expect(job.PipelineKey).ToNot(Equal(cfg.Pipeline.CubeKey))
			}
		})
	})

	Context("mosaic submission", func() {
		It("submits a mosaic for a completed tile and marks it sent", func() {
			seedObservation(gormdb, "EMU_0001", 1, 1001, "COMPLETED", "COMPLETED", true)
			seedObservation(gormdb, "WALLABY_0002", 1, 2002, "COMPLETED", "COMPLETED", true)
			tx := gormdb.Exec(fmt.Sprintf(insertTileStm, 42))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertAssociationStm, "EMU_0001", 42))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertAssociationStm, "WALLABY_0002", 42))
			Expect(tx.Error).To(BeNil())

			Expect(sched.SendMosaics(context.TODO())).To(Succeed())

			// band 1 mfs and band 1 cube both completed
			Expect(publisher.jobs).To(HaveLen(2))
			Expect(publisher.jobs[0].PipelineKey).To(Equal(cfg.Pipeline.MosaicKey))
			Expect(publisher.jobs[0].Params["TILE_ID"]).To(Equal("42"))
			Expect(publisher.jobs[0].Params["OBS_IDS"]).To(Equal("0001,0002"))
			Expect(publisher.jobs[0].Params["BAND"]).To(Equal(float64(1)))
			Expect(publisher.jobs[0].Params["SURVEY_COMPONENT"]).To(Equal(model.ComponentMfs))
			Expect(publisher.jobs[1].Params["SURVEY_COMPONENT"]).To(Equal(model.ComponentSurvey))

			tile, err := s.Tile().Get(context.TODO(), 42)
			Expect(err).To(BeNil())
			Expect(tile.Band1MfsSent).To(BeTrue())
			Expect(*tile.Band1MfsState).To(Equal(model.StateSubmitted))
			Expect(tile.Band1CubeSent).To(BeTrue())

			// a repeat pass finds nothing
			publisher.jobs = nil
			Expect(sched.SendMosaics(context.TODO())).To(Succeed())
			Expect(publisher.jobs).To(HaveLen(0))
		})

		It("caps mosaic submissions at the shared tile limit", func() {
			seedObservation(gormdb, "EMU_0001", 1, 1001, "COMPLETED", "", true)
			for tileID := int64(1); tileID <= 5; tileID++ {
				tx := gormdb.Exec(fmt.Sprintf(insertTileStm, tileID))
				Expect(tx.Error).To(BeNil())
				tx = gormdb.Exec(fmt.Sprintf(insertAssociationStm, "EMU_0001", tileID))
				Expect(tx.Error).To(BeNil())
			}

			Expect(sched.SendMosaics(context.TODO())).To(Succeed())

			Expect(publisher.jobs).To(HaveLen(3))
			Expect(publisher.jobs[0].Params["TILE_ID"]).To(Equal("1"))
			Expect(publisher.jobs[1].Params["TILE_ID"]).To(Equal("2"))
			Expect(publisher.jobs[2].Params["TILE_ID"]).To(Equal("3"))

			count, err := s.Tile().CountInFlight(context.TODO())
			Expect(err).To(BeNil())
			Expect(count).To(Equal(int64(3)))
		})
	})

	Context("dry run", func() {
		It("leaves the store untouched", func() {
			cfg.Service.DryRun = true
			seedObservation(gormdb, "EMU_0001", 1, 1001, "", "", false)

			Expect(sched.Tick(context.TODO())).To(Succeed())

			obs, err := s.Observation().Get(context.TODO(), "EMU_0001")
			Expect(err).To(BeNil())
			Expect(obs.CubeSent).To(BeFalse())
			Expect(obs.CubeState).To(BeNil())
		})
	})
})
